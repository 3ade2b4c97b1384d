package doses

import "github.com/google/uuid"

// GroupIDProvider issues identifiers that tie the doses of one recurring schedule together.
type GroupIDProvider interface {
	NewGroupID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a GroupIDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() GroupIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewGroupID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
