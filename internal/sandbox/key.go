package sandbox

import "fmt"

// ValidatorKey tells the RPC layer how to authenticate as the node's validator.
// It is either HomeDirKey or KnownKey.
type ValidatorKey interface {
	validatorKey()
	fmt.Stringer
}

// HomeDirKey means the key has to be read from the node's home directory
// (validator_key.json) at use time.
type HomeDirKey struct {
	Path string
}

// KnownKey carries the credential directly.
type KnownKey struct {
	AccountID string
	SecretKey string
}

func HomeDir(path string) ValidatorKey {
	return HomeDirKey{Path: path}
}

func Known(accountID, secretKey string) ValidatorKey {
	return KnownKey{AccountID: accountID, SecretKey: secretKey}
}

func (HomeDirKey) validatorKey() {}
func (KnownKey) validatorKey() {}

func (k HomeDirKey) String() string {
	return "home_dir=" + k.Path
}

// String never prints the secret.
func (k KnownKey) String() string {
	return "account_id=" + k.AccountID
}
