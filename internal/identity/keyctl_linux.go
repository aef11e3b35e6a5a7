//go:build linux

package identity

import (
	"fmt"
	"os/exec"
	"strings"
)

const kernelKeyringBackend = "kernel keyring (in-memory, lost on reboot)"

func kernelKeyName(account string) string {
	return keyringServiceName + "-" + passwordKey(account)
}

// storeKernelKeyring saves the password in the user session keyring through
// the keyctl command (package keyutils). Used on headless Linux hosts.
func storeKernelKeyring(account, password string) error {
	cmd := exec.Command("keyctl", "padd", "user", kernelKeyName(account), "@u")
	cmd.Stdin = strings.NewReader(password)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("keyctl padd failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func kernelKeyID(account string) (string, error) {
	out, err := exec.Command("keyctl", "search", "@u", "user", kernelKeyName(account)).Output()
	if err != nil {
		return "", fmt.Errorf("keyctl search failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func retrieveKernelKeyring(account string) (string, error) {
	id, err := kernelKeyID(account)
	if err != nil {
		return "", err
	}
	out, err := exec.Command("keyctl", "pipe", id).Output()
	if err != nil {
		return "", fmt.Errorf("keyctl pipe failed: %w", err)
	}
	return string(out), nil
}

// deleteKernelKeyring unlinks the key. A missing key is not an error.
func deleteKernelKeyring(account string) error {
	id, err := kernelKeyID(account)
	if err != nil {
		return nil
	}
	_, err = exec.Command("keyctl", "unlink", id, "@u").Output()
	return err
}
