package stats

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/blowfish"
)

// bcryptCost is fixed at 12, matching the "$2b$12$" prefix the anonymised
// hash format commits to.
const bcryptCost = 12

// bcryptAlphabet is the non-standard base64 alphabet crypt(3)-style bcrypt
// hashes use for both the salt and the digest portion of the hash string.
const bcryptAlphabet = "./ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var bcEncoding = base64.NewEncoding(bcryptAlphabet).WithPadding(base64.NoPadding)
var bcEncodingPadded = base64.NewEncoding(bcryptAlphabet)

// magicCipherText is the fixed plaintext every bcrypt hash encrypts,
// "OrpheanBeholderScryDoubt" in ASCII.
var magicCipherText = []byte("OrpheanBeholderScryDoubt")

// extractDomain returns the substring of email after the first "@": empty
// if "@" is the last character, the whole string if there is no "@".
func extractDomain(email string) string {
	at := strings.IndexByte(email, '@')
	if at == -1 {
		return email
	}
	return email[at+1:]
}

// domainSalt derives the 22-character bcrypt salt from domain: the
// bcrypt-alphabet base64 encoding of domain's bytes, padded with the
// alphabet's zero character or truncated to exactly 22 characters.
func domainSalt(domain string) string {
	encoded := bcEncoding.EncodeToString([]byte(domain))
	if len(encoded) >= 22 {
		return encoded[:22]
	}
	return encoded + strings.Repeat(".", 22-len(encoded))
}

// anonymizeEmail returns the domain-salted bcrypt hash of email (lowercased
// first, to avoid duplicate rows that differ only by case) and the
// extracted domain, matching the "$2b$12$" + base64(domain) salt scheme.
func anonymizeEmail(email string) (hash string, domain string) {
	lower := strings.ToLower(email)
	domain = extractDomain(lower)
	salt := domainSalt(domain)

	digest, err := bcryptDigest([]byte(lower), bcryptCost, salt)
	if err != nil {
		// Only reachable if bcryptCost or the derived salt is malformed,
		// neither of which varies at runtime.
		panic(fmt.Sprintf("stats: bcrypt digest failed: %v", err))
	}

	return fmt.Sprintf("$2b$%02d$%s%s", bcryptCost, salt, digest), domain
}

// bcryptDigest runs the bcrypt key schedule and block cipher over
// magicCipherText using password and the raw salt string salt (its 22
// bcrypt-alphabet characters), returning the bcrypt-alphabet encoded
// digest portion of the hash.
func bcryptDigest(password []byte, cost int, salt string) (string, error) {
	cipher, err := expensiveBlowfishSetup(password, cost, []byte(salt))
	if err != nil {
		return "", err
	}

	data := make([]byte, len(magicCipherText))
	copy(data, magicCipherText)

	for i := 0; i < len(data); i += 8 {
		block := data[i : i+8]
		for j := 0; j < 64; j++ {
			cipher.Encrypt(block, block)
		}
	}

	// Bug-for-bug compatible with reference bcrypt implementations: only
	// the first 23 of the 24 encrypted bytes are encoded.
	return bcEncoding.EncodeToString(data[:len(data)-1]), nil
}

// expensiveBlowfishSetup performs bcrypt's deliberately slow key schedule:
// an EKS-blowfish initial expansion keyed by password and salt, followed by
// 2^cost rounds alternately re-expanding the key with password then salt.
func expensiveBlowfishSetup(password []byte, cost int, rawSalt []byte) (*blowfish.Cipher, error) {
	salt, err := bcDecode(rawSalt)
	if err != nil {
		return nil, fmt.Errorf("decoding bcrypt salt: %w", err)
	}

	// Reference bcrypt implementations hash the trailing NUL terminator of
	// the password string; preserved here for bit-for-bit compatibility.
	key := append(append([]byte{}, password...), 0)

	cipher, err := blowfish.NewSaltedCipher(key, salt)
	if err != nil {
		return nil, err
	}

	rounds := uint64(1) << uint(cost)
	for i := uint64(0); i < rounds; i++ {
		blowfish.ExpandKey(key, cipher)
		blowfish.ExpandKey(salt, cipher)
	}

	return cipher, nil
}

// bcDecode decodes a bcrypt-alphabet base64 string, padding it to a
// multiple of 4 characters first since the alphabet omits '='.
func bcDecode(src []byte) ([]byte, error) {
	padded := make([]byte, len(src))
	copy(padded, src)
	if rem := len(padded) % 4; rem != 0 {
		for i := 0; i < 4-rem; i++ {
			padded = append(padded, '=')
		}
	}

	dst := make([]byte, bcEncodingPadded.DecodedLen(len(padded)))
	n, err := bcEncodingPadded.Decode(dst, padded)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
