package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stakeboard/stakeboard/internal/identity"
)

const minPasswordLength = 8

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the signing wallet",
		Long: `Manage the Ethereum account used to sign staking transactions.

The key is stored as an encrypted keystore file (geth V3 format) in
wallet.keystore_dir. Transaction commands unlock it with, in order:
wallet.password_file, STAKEBOARD_WALLET_PASSWORD, the OS keyring (when
wallet.use_keyring is set) and an interactive prompt.

Examples:
  stakeboard wallet create           # Generate a new key
  stakeboard wallet import           # Import a private key
  stakeboard wallet show             # Show address and keystore path
  stakeboard wallet password store   # Save the password in the OS keyring`,
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletShowCmd())
	cmd.AddCommand(newWalletPasswordCmd())

	return cmd
}

// keystoreDir returns the --keystore flag value or the configured directory.
func keystoreDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Wallet.KeystoreDir, nil
}

// ensureNoWallet fails when dir already holds an account.
func ensureNoWallet(dir string) error {
	w, err := identity.OpenWallet(dir, "")
	switch {
	case err == nil:
		return fmt.Errorf("wallet already exists at %s (address: %s)", dir, w.Address().Hex())
	case errors.Is(err, identity.ErrNoWallet):
		return nil
	default:
		return fmt.Errorf("failed to check keystore: %w", err)
	}
}

func newWalletCreateCmd() *cobra.Command {
	var dirFlag string
	var storePassword bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new wallet",
		Long:  "Create a new Ethereum key encrypted with a password.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dirFlag)
			if err != nil {
				return err
			}
			if err := ensureNoWallet(dir); err != nil {
				return err
			}

			password, err := readNewPassword(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			w, err := identity.CreateWallet(dir, password)
			if err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}

			out := cmd.OutOrStdout()
			Success(out, "Wallet created")
			fmt.Fprintln(out, StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
			}))
			if storePassword {
				storePasswordInKeyring(out, w.Address().Hex(), password)
			}
			Warning(out, "Back up your keystore directory and remember your password.")
			fmt.Fprintln(out, Hint("If you lose either, the funds of this account are unrecoverable."))
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "keystore", "", "Keystore directory (default: wallet.keystore_dir)")
	cmd.Flags().BoolVar(&storePassword, "store-password", false, "Save the password in the OS keyring")

	return cmd
}

func newWalletImportCmd() *cobra.Command {
	var dirFlag string
	var storePassword bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key",
		Long:  "Import an existing Ethereum private key into an encrypted keystore file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dirFlag)
			if err != nil {
				return err
			}
			if err := ensureNoWallet(dir); err != nil {
				return err
			}

			prompt := cmd.ErrOrStderr()
			const maxAttempts = 3
			var keyHex string
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				fmt.Fprint(prompt, "Private key (hex, with or without 0x): ")
				input, err := readPasswordNoEcho(prompt)
				if err != nil {
					return fmt.Errorf("failed to read private key: %w", err)
				}
				input = strings.TrimPrefix(strings.TrimSpace(input), "0x")
				if len(input) != 64 {
					Warning(prompt, fmt.Sprintf("Private key must be 64 hex characters, got %d. Try again.", len(input)))
					continue
				}
				keyHex = input
				break
			}
			if keyHex == "" {
				return fmt.Errorf("too many failed attempts")
			}

			password, err := readNewPassword(prompt)
			if err != nil {
				return err
			}
			w, err := identity.ImportWallet(dir, keyHex, password)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}

			out := cmd.OutOrStdout()
			Success(out, "Wallet imported")
			fmt.Fprintln(out, StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
			}))
			if storePassword {
				storePasswordInKeyring(out, w.Address().Hex(), password)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "keystore", "", "Keystore directory (default: wallet.keystore_dir)")
	cmd.Flags().BoolVar(&storePassword, "store-password", false, "Save the password in the OS keyring")

	return cmd
}

type walletView struct {
	Address  string `json:"address"`
	Keystore string `json:"keystore"`
	Password string `json:"password"`
}

func newWalletShowCmd() *cobra.Command {
	var dirFlag string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show wallet address and keystore path",
		Long:  "Display the wallet address and keystore directory. No password needed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dirFlag)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			w, err := identity.OpenWallet(dir, "")
			if errors.Is(err, identity.ErrNoWallet) {
				Info(out, "No wallet found.")
				fmt.Fprintln(out, Hint("Create one with: stakeboard wallet create"))
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}

			pwStatus := "not stored"
			if pw, err := identity.RetrieveWalletPassword(w.Address().Hex()); err == nil && pw != "" {
				pwStatus = "stored in OS keyring"
			} else if os.Getenv(identity.EnvWalletPassword) != "" {
				pwStatus = "from " + identity.EnvWalletPassword
			}

			view := walletView{Address: w.Address().Hex(), Keystore: w.KeystoreDir(), Password: pwStatus}
			if jsonOutput() {
				return printJSON(out, view)
			}
			fmt.Fprintln(out, StatusBox("Wallet", [][2]string{
				{"Address", view.Address},
				{"Keystore", view.Keystore},
				{"Password", view.Password},
			}))
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "keystore", "", "Keystore directory (default: wallet.keystore_dir)")

	return cmd
}

func newWalletPasswordCmd() *cobra.Command {
	var dirFlag string

	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage the wallet password in the OS keyring",
	}
	cmd.PersistentFlags().StringVar(&dirFlag, "keystore", "", "Keystore directory (default: wallet.keystore_dir)")

	account := func() (string, error) {
		dir, err := keystoreDir(dirFlag)
		if err != nil {
			return "", err
		}
		w, err := identity.OpenWallet(dir, "")
		if err != nil {
			return "", err
		}
		return w.Address().Hex(), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "store",
		Short: "Save the wallet password in the OS keyring",
		Long: `Prompt for the wallet password, check it against the keystore and save it
in the OS keyring. Set wallet.use_keyring: true to have transaction commands
use it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dirFlag)
			if err != nil {
				return err
			}
			w, err := identity.OpenWallet(dir, "")
			if err != nil {
				return err
			}

			prompt := cmd.ErrOrStderr()
			fmt.Fprint(prompt, "Wallet password: ")
			password, err := readPasswordNoEcho(prompt)
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if _, err := w.Unlock(password); err != nil {
				return err
			}
			w.Lock()

			storePasswordInKeyring(cmd.OutOrStdout(), w.Address().Hex(), password)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the wallet password from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := account()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := identity.DeleteWalletPassword(acc); err != nil {
				Info(out, "No stored password found in the OS keyring.")
				return nil
			}
			Success(out, "Removed password from the OS keyring")
			return nil
		},
	})

	return cmd
}

// storePasswordInKeyring saves password for account, printing the fallback
// options when no keyring backend is available.
func storePasswordInKeyring(w io.Writer, account, password string) {
	backend, err := identity.StoreWalletPassword(account, password)
	if err == nil {
		Success(w, "Password saved to "+backend)
		fmt.Fprintln(w, Hint("Set wallet.use_keyring: true to unlock automatically."))
		return
	}
	Warning(w, fmt.Sprintf("Could not store password in the OS keyring: %v", err))
	fmt.Fprintln(w, Hint("Use wallet.password_file or "+identity.EnvWalletPassword+" instead."))
}

// readNewPassword prompts for a password twice with echo disabled.
func readNewPassword(prompt io.Writer) (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(prompt, "New wallet password: ")
		password, err := readPasswordNoEcho(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(password) < minPasswordLength {
			Warning(prompt, fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLength))
			continue
		}

		fmt.Fprint(prompt, "Confirm wallet password: ")
		confirm, err := readPasswordNoEcho(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		if password != confirm {
			Warning(prompt, "Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

// readPasswordNoEcho reads a line from stdin with echo disabled.
func readPasswordNoEcho(prompt io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", err
	}
	return string(password), nil
}
