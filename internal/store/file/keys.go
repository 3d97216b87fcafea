package file

import (
	"context"

	"github.com/tendant/simple-authz/internal/crypto"
	idperrors "github.com/tendant/simple-authz/internal/errors"
)

// KeyRepository implements crypto.KeyRepository on the store's data directory.
type KeyRepository struct {
	store *Store
}

var _ crypto.KeyRepository = (*KeyRepository)(nil)

type keysData struct {
	Keys      []*crypto.KeyPair `json:"keys"`
	ActiveKid string            `json:"active_kid"`
}

const keysFile = "signing_keys"

func (r *KeyRepository) load() (*keysData, error) {
	var kd keysData
	if err := r.store.view(keysFile, &kd); err != nil {
		return nil, idperrors.Internal("failed to load keys", err)
	}
	return &kd, nil
}

// GetByID returns a key by its ID.
func (r *KeyRepository) GetByID(ctx context.Context, kid string) (*crypto.KeyPair, error) {
	kd, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, key := range kd.Keys {
		if key.Kid == kid {
			return key, nil
		}
	}
	return nil, idperrors.NotFound("signing key", kid)
}

// GetActive returns the active signing key.
func (r *KeyRepository) GetActive(ctx context.Context) (*crypto.KeyPair, error) {
	kd, err := r.load()
	if err != nil {
		return nil, err
	}

	if kd.ActiveKid == "" {
		return nil, idperrors.NotFound("active signing key", "")
	}

	for _, key := range kd.Keys {
		if key.Kid == kd.ActiveKid {
			return key, nil
		}
	}
	return nil, idperrors.NotFound("active signing key", kd.ActiveKid)
}

// GetAll returns all signing keys.
func (r *KeyRepository) GetAll(ctx context.Context) ([]*crypto.KeyPair, error) {
	kd, err := r.load()
	if err != nil {
		return nil, err
	}
	if kd.Keys == nil {
		return []*crypto.KeyPair{}, nil
	}
	return kd.Keys, nil
}

// Save inserts or replaces a key.
func (r *KeyRepository) Save(ctx context.Context, keyPair *crypto.KeyPair) error {
	var kd keysData
	return r.store.modify(keysFile, &kd, func() error {
		for i, key := range kd.Keys {
			if key.Kid == keyPair.Kid {
				kd.Keys[i] = keyPair
				return nil
			}
		}
		kd.Keys = append(kd.Keys, keyPair)
		return nil
	})
}

// SetActive sets the active key.
func (r *KeyRepository) SetActive(ctx context.Context, kid string) error {
	var kd keysData
	return r.store.modify(keysFile, &kd, func() error {
		found := false
		for _, key := range kd.Keys {
			if key.Kid == kid {
				found = true
				key.Active = true
			} else {
				key.Active = false
			}
		}
		if !found {
			return idperrors.NotFound("signing key", kid)
		}

		kd.ActiveKid = kid
		return nil
	})
}

// Delete removes a key.
func (r *KeyRepository) Delete(ctx context.Context, kid string) error {
	var kd keysData
	return r.store.modify(keysFile, &kd, func() error {
		for i, key := range kd.Keys {
			if key.Kid == kid {
				kd.Keys = append(kd.Keys[:i], kd.Keys[i+1:]...)
				if kd.ActiveKid == kid {
					kd.ActiveKid = ""
				}
				return nil
			}
		}
		return idperrors.NotFound("signing key", kid)
	})
}
