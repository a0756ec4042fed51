package vfs

import "fmt"

// Resolve walks an absolute path from root using FindChild on each
// component. Relative paths are made absolute with Abs first.
func Resolve(root Node, path string) (Node, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	node := root
	for _, name := range Components(path) {
		child, err := node.FindChild(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		node = child
	}
	return node, nil
}

// ResolveParent resolves the directory that would contain path and returns
// it together with the final path component.
func ResolveParent(root Node, path string) (Node, string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, "", err
	}
	components := Components(path)
	if len(components) == 0 {
		return nil, "", fmt.Errorf("resolve %s: %w", path, ErrInvalidPath)
	}

	node := root
	for _, name := range components[:len(components)-1] {
		child, err := node.FindChild(name)
		if err != nil {
			return nil, "", fmt.Errorf("resolve %s: %w", path, err)
		}
		node = child
	}
	return node, components[len(components)-1], nil
}
