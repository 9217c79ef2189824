package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// MintAnonymous produces a fresh anonymous Identity: id "anon_<12 lowercase
// hex>" and, if displayName is empty, a generated "Player_<4 digits>" name
// (§4.E).
func MintAnonymous(displayName string) (Identity, error) {
	id, err := anonID()
	if err != nil {
		return Identity{}, err
	}
	if displayName == "" {
		displayName, err = randomPlayerName()
		if err != nil {
			return Identity{}, err
		}
	}
	return Identity{
		Kind:        KindAnonymous,
		ID:          id,
		DisplayName: displayName,
	}, nil
}

func anonID() (string, error) {
	buf := make([]byte, 6) // 12 hex chars
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func randomPlayerName() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Player_%d", n.Int64()+1000), nil
}
