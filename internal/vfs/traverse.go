package vfs

import (
	"strings"

	"venix/internal/defs"
)

// traverse resolves one path component against current (original's
// vfs::traverse::traverse): "." is a no-op, ".." defers to the mount
// table so a mounted filesystem's root can cross back up into its
// mountpoint's parent, and any other name is looked up in current's
// filesystem and then checked against the mount table in case the
// result is itself covered by another mount.
func (t *MountTable) traverse(current VNode, name string) (VNode, defs.Err_t) {
	if name == "." {
		return current, 0
	}
	if name == ".." {
		return t.Parent(current)
	}

	if current.Kind() != Directory {
		return nil, defs.ENOTDIR
	}

	child, errno := current.FileSystem().Lookup(current.FSI(), current, name)
	if errno != 0 {
		return nil, errno
	}

	// symlinks are not yet supported (spec's Non-goals don't name
	// them, but no filesystem this kernel mounts produces one)
	if child.Kind() == Symlink {
		return nil, defs.EINVAL
	}

	if mountedRoot, ok := t.LookupMount(child); ok {
		child = mountedRoot
	}
	return child, 0
}

// WalkFrom resolves path against start, crossing mountpoints in both
// directions as it goes (original's vfs_walk_path, generalized to take
// an explicit starting VNode instead of reaching for a process-global
// cwd; internal/syscall joins relative paths onto the process's cwd
// string and walks the result from the root).
func (t *MountTable) WalkFrom(start VNode, path string) (VNode, defs.Err_t) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, defs.EINVAL
	}

	current := start
	for _, name := range components {
		next, errno := t.traverse(current, name)
		if errno != 0 {
			return nil, errno
		}
		current = next
	}
	return current, 0
}

// Walk resolves an absolute path from the VFS root (original's
// vfs_walk_path for the path.starts_with('/') case).
func (t *MountTable) Walk(path string) (VNode, defs.Err_t) {
	if !strings.HasPrefix(path, "/") {
		return nil, defs.EINVAL
	}
	root, errno := t.Root()
	if errno != 0 {
		return nil, errno
	}
	return t.WalkFrom(root, path)
}

// Open resolves path and opens the resulting VNode (original's
// vfs_open: no file creation, no symlink or permission handling).
func (t *MountTable) Open(path string) (FileHandle, defs.Err_t) {
	v, errno := t.Walk(path)
	if errno != 0 {
		return nil, errno
	}
	return v.Open()
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	components := parts[:0]
	for _, p := range parts {
		if p != "" {
			components = append(components, p)
		}
	}
	return components
}
