package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stakeboard/stakeboard/internal/logging"
)

// ErrNoWallet is returned when the keystore holds no (matching) account.
var ErrNoWallet = errors.New("no wallet found")

// Scrypt parameters for new keys. Tests lower them.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

// Wallet is one keystore account used to sign staking transactions.
type Wallet struct {
	keystore *keystore.KeyStore
	dir      string
	account  accounts.Account

	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

func openKeystore(dir string) (*keystore.KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return keystore.NewKeyStore(dir, scryptN, scryptP), nil
}

// OpenWallet loads account from the keystore in dir, or the first account
// when account is empty. It returns ErrNoWallet when nothing matches.
func OpenWallet(dir, account string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}

	accs := ks.Accounts()
	if len(accs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoWallet, dir)
	}
	if account == "" {
		return &Wallet{keystore: ks, dir: dir, account: accs[0]}, nil
	}

	want := common.HexToAddress(account)
	for _, a := range accs {
		if a.Address == want {
			return &Wallet{keystore: ks, dir: dir, account: a}, nil
		}
	}
	return nil, fmt.Errorf("%w for %s in %s", ErrNoWallet, want.Hex(), dir)
}

// CreateWallet generates a new key in dir encrypted with password.
func CreateWallet(dir, password string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}

	account, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	logging.Audit(logging.AuditEvent{
		Operation: "wallet_create",
		Actor:     account.Address.Hex(),
		Target:    dir,
		Result:    "success",
	})
	return &Wallet{keystore: ks, dir: dir, account: account}, nil
}

// ImportWallet stores a hex-encoded private key in dir encrypted with password.
func ImportWallet(dir, privKeyHex, password string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(trimHexPrefix(privKeyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}

	logging.Audit(logging.AuditEvent{
		Operation: "wallet_import",
		Actor:     account.Address.Hex(),
		Target:    dir,
		Result:    "success",
	})
	return &Wallet{keystore: ks, dir: dir, account: account}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Address returns the wallet's account address.
func (w *Wallet) Address() common.Address {
	return w.account.Address
}

// KeystoreDir returns the keystore directory.
func (w *Wallet) KeystoreDir() string {
	return w.dir
}

// Unlock decrypts the private key. The key stays cached until Lock.
func (w *Wallet) Unlock(password string) (*ecdsa.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.key != nil {
		return w.key, nil
	}

	keyJSON, err := os.ReadFile(w.account.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	w.key = key.PrivateKey
	return w.key, nil
}

// Lock zeros and drops the cached private key.
func (w *Wallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.key != nil {
		w.key.D.SetUint64(0)
		w.key = nil
	}
}
