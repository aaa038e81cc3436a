package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/models"
	"github.com/wfunc/room-sync/internal/testutil"
	"gorm.io/gorm"
)

// RoomRepositoryTestSuite 房间仓储测试套件
type RoomRepositoryTestSuite struct {
	suite.Suite
	db   *gorm.DB
	repo RoomRepository
	ctx  context.Context
}

func (suite *RoomRepositoryTestSuite) SetupTest() {
	suite.db = testutil.NewTestDB(suite.T())
	suite.repo = NewRoomRepository(suite.db)
	suite.ctx = context.Background()
}

func (suite *RoomRepositoryTestSuite) createRoom(code string) *models.Room {
	room := &models.Room{Code: code, Name: "room " + code, State: `{"turn":0}`}
	suite.Require().NoError(suite.repo.Create(suite.ctx, room))
	return room
}

// TestCreate 测试创建房间
func (suite *RoomRepositoryTestSuite) TestCreate() {
	room := suite.createRoom("ABCD")
	assert.NotZero(suite.T(), room.ID)

	found, err := suite.repo.FindByCode(suite.ctx, "ABCD")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), `{"turn":0}`, found.State)
	assert.Equal(suite.T(), "room ABCD", found.Name)
	assert.Zero(suite.T(), found.PlayerCount)
}

// TestCreateDuplicate 测试重复房间号
func (suite *RoomRepositoryTestSuite) TestCreateDuplicate() {
	suite.createRoom("ABCD")

	err := suite.repo.Create(suite.ctx, &models.Room{Code: "ABCD", State: `{}`})
	assert.True(suite.T(), errors.Is(err, errors.ErrRoomExists))
}

// TestFindByCodeNotFound 测试查找不存在的房间
func (suite *RoomRepositoryTestSuite) TestFindByCodeNotFound() {
	_, err := suite.repo.FindByCode(suite.ctx, "NOPE")
	assert.True(suite.T(), errors.Is(err, errors.ErrRoomNotFound))
}

// TestUpdateState 测试覆盖快照
func (suite *RoomRepositoryTestSuite) TestUpdateState() {
	suite.createRoom("ABCD")

	assert.NoError(suite.T(), suite.repo.UpdateState(suite.ctx, "ABCD", `{"turn":1}`))
	assert.NoError(suite.T(), suite.repo.UpdateState(suite.ctx, "ABCD", `{"turn":1}`))

	found, err := suite.repo.FindByCode(suite.ctx, "ABCD")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), `{"turn":1}`, found.State)

	err = suite.repo.UpdateState(suite.ctx, "NOPE", `{}`)
	assert.True(suite.T(), errors.Is(err, errors.ErrRoomNotFound))
}

// TestUpdatePlayerCount 测试更新人数
func (suite *RoomRepositoryTestSuite) TestUpdatePlayerCount() {
	suite.createRoom("ABCD")

	assert.NoError(suite.T(), suite.repo.UpdatePlayerCount(suite.ctx, "ABCD", 3))
	found, err := suite.repo.FindByCode(suite.ctx, "ABCD")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), 3, found.PlayerCount)
	assert.Equal(suite.T(), `{"turn":0}`, found.State)

	err = suite.repo.UpdatePlayerCount(suite.ctx, "NOPE", 1)
	assert.True(suite.T(), errors.Is(err, errors.ErrRoomNotFound))
}

// TestList 测试分页列表
func (suite *RoomRepositoryTestSuite) TestList() {
	for i := 0; i < 5; i++ {
		suite.createRoom(fmt.Sprintf("R%03d", i))
	}

	pagination := NewPagination(1, 2)
	rooms, err := suite.repo.List(suite.ctx, pagination)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), rooms, 2)
	assert.Equal(suite.T(), int64(5), pagination.Total)

	pagination = NewPagination(3, 2)
	rooms, err = suite.repo.List(suite.ctx, pagination)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), rooms, 1)
}

// TestDelete 测试删除房间
func (suite *RoomRepositoryTestSuite) TestDelete() {
	suite.createRoom("ABCD")

	assert.NoError(suite.T(), suite.repo.Delete(suite.ctx, "ABCD"))
	_, err := suite.repo.FindByCode(suite.ctx, "ABCD")
	assert.True(suite.T(), errors.Is(err, errors.ErrRoomNotFound))

	err = suite.repo.Delete(suite.ctx, "ABCD")
	assert.True(suite.T(), errors.Is(err, errors.ErrRoomNotFound))
}

func TestRoomRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RoomRepositoryTestSuite))
}
