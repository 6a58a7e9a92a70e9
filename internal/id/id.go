package id

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}

// Token identifies one short-lived invocation holding a lease.
func Token(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}
