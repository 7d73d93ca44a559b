package store

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"certmint/internal/issuance/ports"
)

type InMemoryStoreSuite struct {
	contractSuite
}

func TestInMemoryStoreSuite(t *testing.T) {
	s := new(InMemoryStoreSuite)
	s.newStore = func() ports.AttemptStore { return NewInMemory() }
	suite.Run(t, s)
}

func (s *InMemoryStoreSuite) TestSaveNilRecord() {
	s.Error(s.store.Save(s.T().Context(), nil))
}
