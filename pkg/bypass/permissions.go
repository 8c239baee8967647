package bypass

import "context"

type permissionsKey struct{}

// Permissions is the set of permission names the current caller holds.
type Permissions map[string]struct{}

// NewPermissions builds a permission set.
func NewPermissions(names ...string) Permissions {
	p := make(Permissions, len(names))
	for _, n := range names {
		if n != "" {
			p[n] = struct{}{}
		}
	}
	return p
}

// Has reports whether the caller holds name.
func (p Permissions) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// WithPermissions attaches the caller permissions to ctx.
func WithPermissions(ctx context.Context, names ...string) context.Context {
	return context.WithValue(ctx, permissionsKey{}, NewPermissions(names...))
}

// PermissionsFrom returns the caller permissions carried by ctx.
func PermissionsFrom(ctx context.Context) Permissions {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(permissionsKey{}).(Permissions)
	return p
}

// Gate evaluates a bypass/required permission pair. It returns true when the
// guarded element must be skipped: the caller holds bypassPermission, or
// requiredPermission is set and the caller lacks it.
func Gate(p Permissions, bypassPermission, requiredPermission string) bool {
	if bypassPermission != "" && p.Has(bypassPermission) {
		return true
	}
	if requiredPermission != "" && !p.Has(requiredPermission) {
		return true
	}
	return false
}
