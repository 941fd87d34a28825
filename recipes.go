package zkmux

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// This file holds the high-level convenience macros spec.md §1 explicitly
// calls out as "thin loops over the core API" and out of the hard-
// engineering core. Grounded on the reference client's
// CreateProtectedEphemeralSequential, which is itself such a loop over
// Create/Children (DESIGN.md).

// EnsurePath creates path and every missing ancestor directory node,
// tolerating nodes that already exist.
func EnsurePath(ctx context.Context, c *Client, path string, acl []ACL) error {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		_, err := c.Create(ctx, cur, nil, FlagNone, acl)
		if err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}

// DeleteRecursive deletes path and every descendant, children first,
// tolerating a node that is already gone and retrying once if a child
// reappears between listing and deleting it (the reference client's
// conservative retry posture for concurrent mutation, SPEC_FULL.md §4.8).
func DeleteRecursive(ctx context.Context, c *Client, path string) error {
	return deleteRecursive(ctx, c, path, true)
}

// CreateProtectedEphemeralSequential creates an ephemeral-sequential node
// under a GUID-tagged name. If Create fails with ErrConnectionLoss, it lists
// the parent through the same Client and returns the child whose name
// carries the GUID, the reference client's own recovery technique. Any
// other error, including a ClientBrokeError from a session that has died,
// is returned without a recovery attempt.
func CreateProtectedEphemeralSequential(ctx context.Context, c *Client, path string, data []byte, acl []ACL) (string, error) {
	var guid [16]byte
	if _, err := rand.Read(guid[:]); err != nil {
		return "", err
	}
	guidStr := fmt.Sprintf("%x", guid)

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	parts[len(parts)-1] = protectedPrefix + guidStr + "-" + last
	rootPath := strings.Join(parts[:len(parts)-1], "/")
	protectedPath := strings.Join(parts, "/")

	res, err := c.Create(ctx, protectedPath, data, FlagEphSeq, acl)
	if err == nil {
		return res.Path, nil
	}
	if !errors.Is(err, ErrConnectionLoss) {
		return "", err
	}

	// The create may have landed before the session broke; look for it by
	// its GUID before giving up (SPEC_FULL.md §4.8).
	children, cerr := c.Children(ctx, rootPath)
	if cerr != nil {
		return "", err
	}
	for _, child := range children.Children {
		if strings.HasPrefix(child, protectedPrefix) && strings.Contains(child, guidStr) {
			return rootPath + "/" + child, nil
		}
	}
	return "", err
}

func deleteRecursive(ctx context.Context, c *Client, path string, retryOnNotEmpty bool) error {
	children, err := c.Children(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil
		}
		return err
	}
	for _, child := range children.Children {
		childPath := path + "/" + child
		if path == "/" {
			childPath = "/" + child
		}
		if err := deleteRecursive(ctx, c, childPath, true); err != nil {
			return err
		}
	}

	err = c.Delete(ctx, path, -1)
	switch {
	case err == nil, errors.Is(err, ErrNoNode):
		return nil
	case errors.Is(err, ErrNotEmpty) && retryOnNotEmpty:
		return deleteRecursive(ctx, c, path, false)
	default:
		return err
	}
}
