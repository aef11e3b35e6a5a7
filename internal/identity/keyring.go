package identity

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/99designs/keyring"
)

const keyringServiceName = "stakeboard"

// passwordKey is the keyring item holding the password for account.
func passwordKey(account string) string {
	if account == "" {
		return "wallet-password"
	}
	return "wallet-password:" + account
}

// StoreWalletPassword stores the keystore password for account in the platform
// keyring, falling back to the Linux kernel keyring, and returns the backend
// name.
func StoreWalletPassword(account, password string) (string, error) {
	backend, err := storePlatformKeyring(account, password)
	if err == nil {
		return backend, nil
	}
	if kerr := storeKernelKeyring(account, password); kerr == nil {
		return kernelKeyringBackend, nil
	}
	return "", err
}

func storePlatformKeyring(account, password string) (string, error) {
	ring, backend, err := openKeyring()
	if err != nil {
		return "", err
	}

	err = ring.Set(keyring.Item{
		Key:         passwordKey(account),
		Data:        []byte(password),
		Label:       "Stakeboard Wallet Password",
		Description: "Password for the stakeboard keystore account " + account,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store in %s: %w", backend, err)
	}

	return backend, nil
}

// RetrieveWalletPassword returns ("", nil) if a keyring is available but no
// password is stored for account.
func RetrieveWalletPassword(account string) (string, error) {
	ring, _, err := openKeyring()
	if err == nil {
		item, err := ring.Get(passwordKey(account))
		switch {
		case err == nil:
			return string(item.Data), nil
		case !errors.Is(err, keyring.ErrKeyNotFound):
			return "", err
		}
	}

	pw, kerr := retrieveKernelKeyring(account)
	if kerr == nil {
		return pw, nil
	}
	if err != nil {
		return "", err
	}
	return "", nil
}

// DeleteWalletPassword removes the stored password for account from every
// keyring that holds it.
func DeleteWalletPassword(account string) error {
	if err := deleteKernelKeyring(account); err != nil {
		return err
	}
	ring, _, err := openKeyring()
	if err != nil {
		return err
	}
	err = ring.Remove(passwordKey(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

func openKeyring() (keyring.Keyring, string, error) {
	backends := platformKeyringBackends()
	if len(backends) == 0 {
		return nil, "", fmt.Errorf("no keyring backend available on %s", runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    keyringServiceName,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		KeychainSynchronizable:         false,
		WinCredPrefix:                  keyringServiceName,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open keyring: %w", err)
	}

	return ring, keyringBackendName(), nil
}

func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	case "windows":
		return []keyring.BackendType{keyring.WinCredBackend}
	default:
		return nil
	}
}

func keyringBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "system keyring"
	}
}
