package crypto

import "golang.org/x/crypto/bcrypt"

// HashPassword returns a salted one-way hash of the passphrase.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a passphrase against a stored hash. bcrypt's
// comparison is constant-time with respect to the hash contents.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
