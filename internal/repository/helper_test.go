package repository

import (
	"testing"

	"github.com/nimasrn/chat-relay/internal/repository/repositorytest"
	"github.com/nimasrn/chat-relay/pkg/pg"
)

func setupTestDB(t testing.TB) *pg.DB {
	return repositorytest.NewDB(t, &MessageEntity{})
}
