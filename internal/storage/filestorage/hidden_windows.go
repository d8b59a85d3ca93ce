//go:build windows

package filestorage

import "syscall"

func applyHiddenWindows(full string) error {
	p, err := syscall.UTF16PtrFromString(full)
	if err != nil {
		return err
	}
	attrs, err := syscall.GetFileAttributes(p)
	if err != nil {
		return err
	}
	return syscall.SetFileAttributes(p, attrs|syscall.FILE_ATTRIBUTE_HIDDEN)
}
