package authz

import "fmt"

// Cached collection names.
const (
	collectionRolesPermissions  = "roles_permissions"
	collectionGroupsPermissions = "groups_and_permissions"
	collectionSystemPermissions = "system_permissions"
	collectionRoleDescendants   = "role_descendants"
	collectionRoleDocuments     = "role_documents"
)

// KeyBuilder produces namespaced cache keys. Every key carries the deploy
// environment and tenant folder so parallel deployments sharing one Redis
// never collide.
type KeyBuilder struct {
	env    string
	folder string
}

// NewKeyBuilder constructs a KeyBuilder for the given environment and tenant folder.
func NewKeyBuilder(env, folder string) KeyBuilder {
	return KeyBuilder{env: env, folder: folder}
}

func (k KeyBuilder) collection(name string) string {
	return fmt.Sprintf("%s/%s/%s", k.env, k.folder, name)
}

// RolesPermissions keys the merged role projection collection.
func (k KeyBuilder) RolesPermissions() string {
	return k.collection(collectionRolesPermissions)
}

// GroupsPermissions keys the merged group projection collection.
func (k KeyBuilder) GroupsPermissions() string {
	return k.collection(collectionGroupsPermissions)
}

// SystemPermissions keys the permission catalog projection.
func (k KeyBuilder) SystemPermissions() string {
	return k.collection(collectionSystemPermissions)
}

// RoleDescendants keys the descendant-closure snapshot.
func (k KeyBuilder) RoleDescendants() string {
	return k.collection(collectionRoleDescendants)
}

// RoleDocuments keys the role-document mirror hash.
func (k KeyBuilder) RoleDocuments() string {
	return k.collection(collectionRoleDocuments)
}

// Field keys a single-field lookup inside a collection. Field entries expire;
// collection projections do not.
func (k KeyBuilder) Field(collection, field string) string {
	return fmt.Sprintf("%s/%s/%s/%s", k.env, k.folder, collection, field)
}
