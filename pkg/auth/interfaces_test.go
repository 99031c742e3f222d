package auth

import (
	"context"
	"testing"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository/memstore"
	"github.com/google/uuid"
)

func TestDirectoryResolver_FindTelegramID(t *testing.T) {
	store := memstore.New()
	handle := "Alice_Club"
	store.AddMember(&domain.Member{ID: uuid.New(), Phone: testPhone, TelegramID: 42, TelegramUsername: &handle})
	store.AddMember(&domain.Member{ID: uuid.New(), Phone: "79990000001"})

	resolver := NewDirectoryResolver(store, discardLogger())

	tests := []struct {
		name       string
		identifier string
		wantID     int64
		wantOK     bool
	}{
		{name: "phone digits", identifier: testPhone, wantID: 42, wantOK: true},
		{name: "formatted phone", identifier: "+7 (999) 123-45-67", wantID: 42, wantOK: true},
		{name: "local phone", identifier: "89991234567", wantID: 42, wantOK: true},
		{name: "handle", identifier: "@alice_club", wantID: 42, wantOK: true},
		{name: "bare handle", identifier: "ALICE_CLUB", wantID: 42, wantOK: true},
		{name: "unknown phone", identifier: "79995550000", wantOK: false},
		{name: "unknown handle", identifier: "@bob", wantOK: false},
		{name: "member without telegram", identifier: "79990000001", wantOK: false},
		{name: "empty", identifier: "  ", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := resolver.FindTelegramID(context.Background(), tt.identifier)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("FindTelegramID(%q) = %d, %v, want %d, %v", tt.identifier, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
