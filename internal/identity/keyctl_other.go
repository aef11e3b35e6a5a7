//go:build !linux

package identity

import "errors"

const kernelKeyringBackend = "kernel keyring"

var errNoKernelKeyring = errors.New("kernel keyring is only available on Linux")

func storeKernelKeyring(string, string) error {
	return errNoKernelKeyring
}

func retrieveKernelKeyring(string) (string, error) {
	return "", errNoKernelKeyring
}

func deleteKernelKeyring(string) error {
	return nil
}
