package identities

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meridianex/meridian/pkg/models"
)

type IdentitySuite struct {
	suite.Suite
	svc IdentityService
	ctx context.Context
}

func TestIdentitySuite(t *testing.T) {
	suite.Run(t, new(IdentitySuite))
}

func (s *IdentitySuite) SetupTest() {
	dsn := fmt.Sprintf("file:identities_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(db.AutoMigrate(&models.User{}))

	s.svc, err = NewService(zaptest.NewLogger(s.T()), db, "test-secret", 1)
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *IdentitySuite) TestRegisterAndLogin() {
	user, err := s.svc.Register(s.ctx, "alice@example.com", "alice", "hunter2hunter2")
	s.Require().NoError(err)
	s.Equal("user", user.Role)
	s.NotEqual("hunter2hunter2", user.PasswordHash)

	_, err = s.svc.Register(s.ctx, "alice@example.com", "alice2", "otherpassword")
	s.ErrorIs(err, ErrUserExists)

	token, logged, err := s.svc.Login(s.ctx, "alice@example.com", "hunter2hunter2")
	s.Require().NoError(err)
	s.Equal(user.ID, logged.ID)
	s.NotEmpty(token)

	_, _, err = s.svc.Login(s.ctx, "alice@example.com", "wrong")
	s.ErrorIs(err, ErrInvalidCredentials)
	_, _, err = s.svc.Login(s.ctx, "nobody@example.com", "hunter2hunter2")
	s.ErrorIs(err, ErrInvalidCredentials)
}

func (s *IdentitySuite) TestGetUserUnknownIDIsNotFound() {
	user, err := s.svc.Register(s.ctx, "carla@example.com", "carla", "correcthorse")
	s.Require().NoError(err)

	loaded, err := s.svc.GetUser(s.ctx, user.ID.String())
	s.Require().NoError(err)
	s.Equal(user.Email, loaded.Email)

	_, err = s.svc.GetUser(s.ctx, uuid.New().String())
	s.ErrorIs(err, ErrUserNotFound)
}

func (s *IdentitySuite) TestValidateUserToken() {
	user, err := s.svc.Register(s.ctx, "bob@example.com", "bob", "correcthorse")
	s.Require().NoError(err)
	token, _, err := s.svc.Login(s.ctx, "bob@example.com", "correcthorse")
	s.Require().NoError(err)

	claims, err := s.svc.ValidateToken(token)
	s.Require().NoError(err)
	s.Equal(user.ID, claims.UserID)
	s.Equal("user", claims.Role)
	s.Empty(claims.Service)

	_, err = s.svc.ValidateToken("not-a-token")
	s.ErrorIs(err, ErrInvalidToken)
}

func (s *IdentitySuite) TestTokenFromOtherSecretRejected() {
	other, err := NewService(zaptest.NewLogger(s.T()), nil, "different-secret", 1)
	s.Require().NoError(err)
	token, err := other.ServiceToken("matcher")
	s.Require().NoError(err)

	_, err = s.svc.ValidateToken(token)
	s.ErrorIs(err, ErrInvalidToken)
}

func (s *IdentitySuite) TestServiceToken() {
	token, err := s.svc.ServiceToken("matcher")
	s.Require().NoError(err)

	claims, err := s.svc.ValidateToken(token)
	s.Require().NoError(err)
	s.Equal("matcher", claims.Service)
	s.Equal("service", claims.Role)
}
