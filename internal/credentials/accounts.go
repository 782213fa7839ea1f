package credentials

import (
	"encoding/json"
	"slices"

	"github.com/zalando/go-keyring"
)

const knownAccountsKey = "app:known_accounts"

// KnownAccounts lists the user IDs that have secrets in the keyring, so the
// SDK can enumerate logins without probing every entry.
func KnownAccounts() []string {
	raw, err := keyring.Get(serviceName, knownAccountsKey)
	if err != nil {
		return nil
	}
	var users []string
	_ = json.Unmarshal([]byte(raw), &users)
	return users
}

func AddKnownAccount(userID string) error {
	users := KnownAccounts()
	if slices.Contains(users, userID) {
		return nil
	}
	users = append(users, userID)
	data, _ := json.Marshal(users)
	return keyring.Set(serviceName, knownAccountsKey, string(data))
}

func RemoveKnownAccount(userID string) error {
	users := KnownAccounts()
	filtered := slices.DeleteFunc(users, func(u string) bool { return u == userID })
	data, _ := json.Marshal(filtered)
	return keyring.Set(serviceName, knownAccountsKey, string(data))
}
