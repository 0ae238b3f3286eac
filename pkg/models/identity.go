package models

// Identity is an identity-provider account used to sign a sandbox in
type Identity struct {
	Email         string `json:"email"`
	Password      string `json:"-"`
	RecoveryEmail string `json:"recoveryEmail,omitempty"`
}
