package keychain

import "github.com/zalando/go-keyring"

const (
	serviceName  = "telebots"
	tokenAccount = "telegram-bot-token"
)

// Get retrieves a secret from the system keychain.
func Get(account string) (string, error) {
	return keyring.Get(serviceName, account)
}

// Set stores a secret in the system keychain.
func Set(account, value string) error {
	return keyring.Set(serviceName, account, value)
}

// Delete removes a secret from the system keychain.
func Delete(account string) error {
	return keyring.Delete(serviceName, account)
}

// Token returns the stored bot token.
func Token() (string, error) {
	return Get(tokenAccount)
}

// SetToken stores the bot token.
func SetToken(token string) error {
	return Set(tokenAccount, token)
}
