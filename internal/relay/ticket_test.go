package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/errors"
)

// TicketTestSuite 票据测试套件
type TicketTestSuite struct {
	suite.Suite
	manager *TicketManager
	now     time.Time
}

func (s *TicketTestSuite) SetupTest() {
	s.now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.manager = NewTicketManager(config.JWTConfig{
		Secret:    "test-secret",
		TicketTTL: time.Minute,
		Issuer:    "room-sync-test",
	})
	s.manager.now = func() time.Time { return s.now }
}

func (s *TicketTestSuite) TestIssueAndVerify() {
	token, err := s.manager.Issue("ROOM1", "peer-a")
	s.Require().NoError(err)
	s.NotEmpty(token)

	claims, err := s.manager.Verify(token, "ROOM1", "peer-a")
	s.Require().NoError(err)
	s.Equal("ROOM1", claims.Room)
	s.Equal("peer-a", claims.Subject)
	s.Equal("room-sync-test", claims.Issuer)
}

func (s *TicketTestSuite) TestBoundToRoomAndKey() {
	token, err := s.manager.Issue("ROOM1", "peer-a")
	s.Require().NoError(err)

	_, err = s.manager.Verify(token, "ROOM2", "peer-a")
	s.True(errors.Is(err, errors.ErrAuthorization))

	_, err = s.manager.Verify(token, "ROOM1", "peer-b")
	s.True(errors.Is(err, errors.ErrAuthorization))
}

func (s *TicketTestSuite) TestExpired() {
	token, err := s.manager.Issue("ROOM1", "peer-a")
	s.Require().NoError(err)

	s.now = s.now.Add(2 * time.Minute)
	_, err = s.manager.Verify(token, "ROOM1", "peer-a")
	s.True(errors.Is(err, errors.ErrTokenExpired))
}

func (s *TicketTestSuite) TestWrongSecret() {
	other := NewTicketManager(config.JWTConfig{Secret: "another", Issuer: "room-sync-test"})
	token, err := other.Issue("ROOM1", "peer-a")
	s.Require().NoError(err)

	_, err = s.manager.Verify(token, "ROOM1", "peer-a")
	s.True(errors.Is(err, errors.ErrTokenInvalid))
}

func (s *TicketTestSuite) TestMissingAndGarbage() {
	_, err := s.manager.Verify("", "ROOM1", "peer-a")
	s.True(errors.Is(err, errors.ErrAuthentication))

	_, err = s.manager.Verify("not.a.token", "ROOM1", "peer-a")
	s.True(errors.Is(err, errors.ErrTokenInvalid))
}

func (s *TicketTestSuite) TestDisabledWithoutSecret() {
	disabled := NewTicketManager(config.JWTConfig{})
	s.False(disabled.Enabled())

	token, err := disabled.Issue("ROOM1", "peer-a")
	s.NoError(err)
	s.Empty(token)

	var nilManager *TicketManager
	s.False(nilManager.Enabled())
}

func TestTicketSuite(t *testing.T) {
	suite.Run(t, new(TicketTestSuite))
}
