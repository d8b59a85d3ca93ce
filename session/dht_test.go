package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDHTAnnouncerNilWhenNodeNil(t *testing.T) {
	ann := newDHTAnnouncer(nil, make([]byte, 20), 6881)
	assert.Nil(t, ann)
}
