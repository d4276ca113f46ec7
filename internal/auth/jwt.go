package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by device tokens.
type Claims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// DeviceTokenTTL is how long an issued device token stays valid.
const DeviceTokenTTL = 24 * time.Hour

// ActivationChallengeTTL is how long an issued activation challenge
// stays redeemable.
const ActivationChallengeTTL = 5 * time.Minute

type issuedChallenge struct {
	value    string
	issuedAt time.Time
}

// Authenticator issues and verifies device tokens and activation
// challenges.
type Authenticator struct {
	jwtSecret        []byte
	activationSecret []byte

	mu         sync.Mutex
	challenges map[string]issuedChallenge
}

// NewAuthenticator builds an authenticator from the two shared secrets.
func NewAuthenticator(jwtSecret, activationSecret string) *Authenticator {
	return &Authenticator{
		jwtSecret:        []byte(jwtSecret),
		activationSecret: []byte(activationSecret),
		challenges:       make(map[string]issuedChallenge),
	}
}

// GenerateDeviceToken issues a JWT for an authenticated device.
func (a *Authenticator) GenerateDeviceToken(deviceID string) (string, error) {
	claims := &Claims{
		DeviceID: deviceID,
		Role:     "device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(DeviceTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// ValidateToken parses and verifies a device token.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}

// IssueChallenge creates a one-time activation challenge for a serial
// number. A fresh challenge replaces any outstanding one.
func (a *Authenticator) IssueChallenge(serialNumber string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	challenge := hex.EncodeToString(buf)

	a.mu.Lock()
	a.challenges[serialNumber] = issuedChallenge{value: challenge, issuedAt: time.Now()}
	a.mu.Unlock()
	return challenge, nil
}

// ConsumeChallenge redeems an outstanding challenge. Redemption is
// single-use: a replayed challenge fails even with a valid signature.
func (a *Authenticator) ConsumeChallenge(serialNumber, challenge string) bool {
	a.mu.Lock()
	issued, ok := a.challenges[serialNumber]
	delete(a.challenges, serialNumber)
	a.mu.Unlock()

	if !ok || time.Since(issued.issuedAt) > ActivationChallengeTTL {
		return false
	}
	return hmac.Equal([]byte(issued.value), []byte(challenge))
}

// ActivationSignature computes the HMAC-SHA256 a device must present
// over its activation challenge.
func (a *Authenticator) ActivationSignature(serialNumber, challenge string) string {
	mac := hmac.New(sha256.New, a.activationSecret)
	mac.Write([]byte(serialNumber))
	mac.Write([]byte{':'})
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyActivation checks a device-supplied activation signature in
// constant time.
func (a *Authenticator) VerifyActivation(serialNumber, challenge, signature string) bool {
	expected := a.ActivationSignature(serialNumber, challenge)
	return hmac.Equal([]byte(expected), []byte(signature))
}
