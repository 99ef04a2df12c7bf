package store_test

import (
	"testing"

	"collabtext/internal/store"
	"collabtext/internal/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, store.NewMemory())
}
