//go:build !linux && !darwin

package service

import "fmt"

func installImpl(cfg Config, execPath string) error {
	return fmt.Errorf("service installation is not supported on this platform")
}

func uninstallImpl(role string) error {
	return fmt.Errorf("service uninstallation is not supported on this platform")
}

func statusImpl(role string) (string, error) {
	return "", fmt.Errorf("service status is not supported on this platform")
}

func isInstalledImpl(role string) bool {
	return false
}
