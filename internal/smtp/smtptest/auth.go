package smtptest

import (
	"encoding/base64"
	"fmt"
)

// authenticator checks AUTH LOGIN responses against one configured login.
type authenticator struct {
	username string
	password string
}

func newAuthenticator(username, password string) *authenticator {
	return &authenticator{
		username: username,
		password: password,
	}
}

// verifyLogin verifies AUTH LOGIN credentials after the challenge-response flow.
// Both username and password should be base64-encoded.
func (a *authenticator) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	if string(user) != a.username || string(pass) != a.password {
		return fmt.Errorf("authentication failed")
	}

	return nil
}
