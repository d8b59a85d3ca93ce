//go:build !windows

package filestorage

func applyHiddenWindows(full string) error { return nil }
