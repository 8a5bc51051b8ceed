// Package validation holds small, dependency-free input checks used by
// internal/config.
package validation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrInvalidAddr   = errors.New("invalid listen address")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrOutOfRange    = errors.New("value out of range")
)

// ValidateFilePath checks p is non-empty, normalizing relative paths, and
// optionally requires it to already exist on disk.
func ValidateFilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	if !filepath.IsAbs(p) {
		p = filepath.Clean(p)
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

// ValidateAddr checks addr parses as a TCP host:port listen address.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}
