// internal/engine/handler_test.go
package engine_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circula/internal/engine"
)

type handlerFixture struct {
	*testEngine
	server *httptest.Server
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	e := newTestEngine(t, basePolicy)
	srv := httptest.NewServer(engine.NewHandler(e.svc).Routes())
	t.Cleanup(srv.Close)
	return &handlerFixture{testEngine: e, server: srv}
}

func (f *handlerFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}
	resp, err := http.Post(f.server.URL+path, "application/json", buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *handlerFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandlerCheckoutReturn(t *testing.T) {
	f := newHandlerFixture(t)
	member := f.catalog.addMember(engine.MemberActive)
	book := f.catalog.addBook("The Name of the Rose")
	copyID := f.addCopy(t, book)

	resp := f.post(t, "/loans", map[string]any{
		"copy_id":   copyID,
		"member_id": member,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loan := decode[engine.Loan](t, resp)
	assert.Equal(t, engine.LoanBorrowed, loan.Status)
	assert.Equal(t, copyID, loan.CopyID)

	resp = f.get(t, "/loans/"+loan.ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.post(t, fmt.Sprintf("/loans/%s/return", loan.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	returned := decode[engine.Loan](t, resp)
	assert.Equal(t, engine.LoanReturned, returned.Status)

	// Returning twice is a state error, not a conflict.
	resp = f.post(t, fmt.Sprintf("/loans/%s/return", loan.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandlerErrorMapping(t *testing.T) {
	f := newHandlerFixture(t)
	active := f.catalog.addMember(engine.MemberActive)
	suspended := f.catalog.addMember("suspended")
	book := f.catalog.addBook("Foucault's Pendulum")
	copyID := f.addCopy(t, book)

	t.Run("unknown loan is 404", func(t *testing.T) {
		resp := f.get(t, "/loans/"+uuid.NewString())
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed id is 400", func(t *testing.T) {
		resp := f.get(t, "/loans/not-a-uuid")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("ineligible member is 403", func(t *testing.T) {
		resp := f.post(t, "/loans", map[string]any{
			"copy_id":   copyID,
			"member_id": suspended,
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unavailable copy is 409", func(t *testing.T) {
		resp := f.post(t, "/loans", map[string]any{
			"copy_id":   copyID,
			"member_id": active,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		other := f.catalog.addMember(engine.MemberActive)
		resp = f.post(t, "/loans", map[string]any{
			"copy_id":   copyID,
			"member_id": other,
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("duplicate reservation is 409", func(t *testing.T) {
		resp := f.post(t, "/reservations", map[string]any{
			"member_id": active,
			"book_id":   book,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = f.post(t, "/reservations", map[string]any{
			"member_id": active,
			"book_id":   book,
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestHandlerReservationLifecycle(t *testing.T) {
	f := newHandlerFixture(t)
	member := f.catalog.addMember(engine.MemberActive)
	book := f.catalog.addBook("Baudolino")
	f.addCopy(t, book)

	resp := f.post(t, "/reservations", map[string]any{
		"member_id": member,
		"book_id":   book,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decode[engine.Reservation](t, resp)
	assert.Equal(t, engine.ReservationActive, res.Status)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/reservations/"+res.ID.String(), nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	assert.Equal(t, engine.ReservationCancelled, f.getReservation(t, res.ID).Status)
}

func TestHandlerCopyAdmin(t *testing.T) {
	f := newHandlerFixture(t)
	book := f.catalog.addBook("The Island of the Day Before")

	resp := f.post(t, "/copies", map[string]any{"book_id": book})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decode[engine.Copy](t, resp)
	assert.Equal(t, engine.CopyAvailable, c.Status)

	resp = f.post(t, fmt.Sprintf("/copies/%s/maintenance", c.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, engine.CopyMaintenance, decode[engine.Copy](t, resp).Status)

	resp = f.post(t, fmt.Sprintf("/copies/%s/restore", c.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, engine.CopyAvailable, decode[engine.Copy](t, resp).Status)

	resp = f.post(t, fmt.Sprintf("/copies/%s/lost", c.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Lost is terminal for the admin transitions.
	resp = f.post(t, fmt.Sprintf("/copies/%s/maintenance", c.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlerPayments(t *testing.T) {
	f := newHandlerFixture(t)
	member := f.catalog.addMember(engine.MemberActive)

	resp := f.post(t, "/payments", map[string]any{
		"member_id":    member,
		"amount_cents": 250,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[engine.Payment](t, resp)
	assert.Equal(t, int64(250), p.AmountCents)

	resp = f.post(t, "/payments", map[string]any{
		"member_id":    member,
		"amount_cents": 0,
	})
	assert.NotEqual(t, http.StatusCreated, resp.StatusCode)
}

func TestHandlerProjectedFine(t *testing.T) {
	f := newHandlerFixture(t)
	member := f.catalog.addMember(engine.MemberActive)
	book := f.catalog.addBook("The Periodic Table")
	copyID := f.addCopy(t, book)

	resp := f.post(t, "/loans", map[string]any{
		"copy_id":   copyID,
		"member_id": member,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loan := decode[engine.Loan](t, resp)

	resp = f.get(t, "/loans/"+loan.ID.String()+"/fine")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, decode[map[string]int64](t, resp)["fine_cents"])

	// Four days past due at fifty cents per day. The endpoint projects at
	// the engine clock, so moving it moves the fine.
	f.clock.Advance(18 * 24 * time.Hour)
	resp = f.get(t, "/loans/"+loan.ID.String()+"/fine")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(200), decode[map[string]int64](t, resp)["fine_cents"])
}

func TestHandlerMemberLoans(t *testing.T) {
	f := newHandlerFixture(t)
	member := f.catalog.addMember(engine.MemberActive)
	for i := 0; i < 3; i++ {
		book := f.catalog.addBook(fmt.Sprintf("Volume %d", i))
		resp := f.post(t, "/loans", map[string]any{
			"copy_id":   f.addCopy(t, book),
			"member_id": member,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := f.get(t, "/members/"+member.String()+"/loans")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loans := decode[[]engine.Loan](t, resp)
	assert.Len(t, loans, 3)
}
