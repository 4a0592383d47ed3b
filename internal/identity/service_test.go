package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/tenant"
)

var testProfile = tenant.Profile{
	Slug:          "acme",
	UUID:          "11111111-1111-1111-1111-111111111111",
	AutoProvision: true,
}

func newTestService(t *testing.T, store UserStore, opts ...ServiceOption) (*Service, *HMACVerifier) {
	t.Helper()
	verifier := NewHMACVerifier([]byte("test-signing-key"))
	verifierFor := func(tenant.Profile) (TokenVerifier, error) { return verifier, nil }
	return NewService(store, verifierFor, opts...), verifier
}

func mintToken(t *testing.T, v *HMACVerifier, claims Claims) string {
	t.Helper()
	tok, err := v.Mint(claims)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

func TestAuthenticateAutoProvisions(t *testing.T) {
	store := NewMemStore()
	svc, verifier := newTestService(t, store)
	ctx := context.Background()

	tok := mintToken(t, verifier, Claims{Subject: "idp|42", Email: "alice@acme.test", DisplayName: "Alice"})
	p, err := svc.Authenticate(ctx, testProfile, tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Email != "alice@acme.test" || p.TenantID != testProfile.UUID {
		t.Errorf("principal = %+v", p)
	}
	if len(p.Departments) != 0 {
		t.Errorf("auto-provisioned user has department access %v, want none", p.Departments)
	}

	u, err := store.GetBySubject(ctx, testProfile.UUID, "idp|42")
	if err != nil {
		t.Fatalf("provisioned user not stored: %v", err)
	}
	if !u.IsActive {
		t.Error("provisioned user inactive")
	}
}

func TestAuthenticateAttachesSubjectToExistingEmail(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	if err := store.Create(ctx, User{
		ID: "u1", TenantID: testProfile.UUID, Email: "bob@acme.test",
		DepartmentAccess: []string{"it"}, IsActive: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc, verifier := newTestService(t, store)
	tok := mintToken(t, verifier, Claims{Subject: "idp|77", Email: "bob@acme.test"})
	p, err := svc.Authenticate(ctx, testProfile, tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != "u1" {
		t.Errorf("UserID = %q, want existing row u1", p.UserID)
	}

	u, err := store.GetBySubject(ctx, testProfile.UUID, "idp|77")
	if err != nil {
		t.Fatalf("subject not attached: %v", err)
	}
	if u.ID != "u1" {
		t.Errorf("attached to %q, want u1", u.ID)
	}
}

func TestAuthenticateRejectsInactive(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	if err := store.Create(ctx, User{
		ID: "u1", TenantID: testProfile.UUID, Email: "gone@acme.test",
		ExternalSubjectID: "idp|9", IsActive: false,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc, verifier := newTestService(t, store)
	tok := mintToken(t, verifier, Claims{Subject: "idp|9", Email: "gone@acme.test"})
	_, err := svc.Authenticate(ctx, testProfile, tok)
	if !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthenticateRejectsWithoutAutoProvision(t *testing.T) {
	store := NewMemStore()
	svc, verifier := newTestService(t, store)

	strict := testProfile
	strict.AutoProvision = false
	tok := mintToken(t, verifier, Claims{Subject: "idp|1", Email: "nobody@acme.test"})
	_, err := svc.Authenticate(context.Background(), strict, tok)
	if !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	svc, _ := newTestService(t, NewMemStore())
	for _, tok := range []string{"", "garbage", "a.b", "Bearer  "} {
		if _, err := svc.Authenticate(context.Background(), testProfile, tok); !errors.Is(err, fault.ErrUnauthenticated) {
			t.Errorf("token %q: err = %v, want ErrUnauthenticated", tok, err)
		}
	}
}

func TestHMACVerifierRejectsExpired(t *testing.T) {
	v := NewHMACVerifier([]byte("key"))
	tok, err := v.Mint(Claims{Subject: "s", Email: "e@x.test", ExpiresAt: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := v.Verify(context.Background(), tok); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("expired token err = %v, want ErrUnauthenticated", err)
	}
}

func TestHMACVerifierRejectsForeignSignature(t *testing.T) {
	a := NewHMACVerifier([]byte("key-a"))
	b := NewHMACVerifier([]byte("key-b"))
	tok, err := a.Mint(Claims{Subject: "s", Email: "e@x.test"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := b.Verify(context.Background(), tok); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("foreign signature err = %v, want ErrUnauthenticated", err)
	}
}

func TestUserCacheEvict(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	if err := store.Create(ctx, User{
		ID: "u1", TenantID: testProfile.UUID, Email: "carol@acme.test",
		ExternalSubjectID: "idp|5", DepartmentAccess: []string{"it"}, IsActive: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc, verifier := newTestService(t, store, WithCacheTTL(time.Hour))
	tok := mintToken(t, verifier, Claims{Subject: "idp|5", Email: "carol@acme.test"})

	if _, err := svc.Authenticate(ctx, testProfile, tok); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// Grant change behind the cache's back.
	u, _ := store.Get(ctx, "u1")
	u.DepartmentAccess = []string{"it", "hr"}
	if err := store.Update(ctx, u); err != nil {
		t.Fatalf("Update: %v", err)
	}

	p, err := svc.Authenticate(ctx, testProfile, tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(p.Departments) != 1 {
		t.Fatalf("cache not serving stale row as expected: %v", p.Departments)
	}

	svc.Evict(testProfile.UUID, u)
	p, err = svc.Authenticate(ctx, testProfile, tok)
	if err != nil {
		t.Fatalf("Authenticate after evict: %v", err)
	}
	if len(p.Departments) != 2 {
		t.Errorf("after evict Departments = %v, want refreshed grants", p.Departments)
	}
}

func TestPredicates(t *testing.T) {
	super := Principal{UserID: "s", IsSuperUser: true}
	head := Principal{UserID: "h", Departments: []string{"it", "hr"}, DeptHeadFor: []string{"it"}}
	member := Principal{UserID: "m", Departments: []string{"it"}}

	if !CanReadDepartment(super, "anything") {
		t.Error("super user denied read")
	}
	if !CanReadDepartment(member, "it") || CanReadDepartment(member, "hr") {
		t.Error("member read check wrong")
	}
	if !CanWriteDepartment(head, "it") || CanWriteDepartment(head, "hr") {
		t.Error("dept head write check wrong")
	}
	if CanWriteDepartment(member, "it") {
		t.Error("member may not write")
	}
	if !CanManageUser(head, "m", "it") {
		t.Error("head denied managing member")
	}
	if CanManageUser(head, "h", "it") {
		t.Error("head may not manage self")
	}
	if CanManageUser(member, "h", "it") {
		t.Error("member may not manage")
	}
}
