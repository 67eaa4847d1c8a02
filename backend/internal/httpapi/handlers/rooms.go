package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabOT/backend/internal/store"
)

// RoomRepo 是房间接口用到的存储能力
type RoomRepo interface {
	CreateRoom(ctx context.Context, name string) (*store.Room, error)
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
}

// MemberLister 列出房间内在线的会话
type MemberLister interface {
	Members(ctx context.Context, roomID string) ([]string, error)
}

type RoomHandler struct {
	rooms   RoomRepo
	members MemberLister
}

func NewRoomHandler(rooms RoomRepo, members MemberLister) *RoomHandler {
	return &RoomHandler{rooms: rooms, members: members}
}

// Register 挂载 /rooms 相关路由
func (h *RoomHandler) Register(g *gin.RouterGroup) {
	g.POST("/rooms", h.CreateRoom)
	g.GET("/rooms/:roomId", h.GetRoom)
	g.GET("/rooms/:roomId/members", h.Members)
}

type createRoomReq struct {
	Name string `json:"name" binding:"max=255"`
}

// CreateRoom 请求体可以省略，名字为空时使用默认名
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req createRoomReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "create room failed"})
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"roomId": room.ID})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "ROOM_NOT_FOUND", "message": "Room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load room failed"})
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) Members(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, err := h.rooms.GetRoom(c.Request.Context(), roomID); err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "ROOM_NOT_FOUND", "message": "Room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load room failed"})
		_ = c.Error(err)
		return
	}
	members, err := h.members.Members(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "list members failed"})
		_ = c.Error(err)
		return
	}
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "members": members})
}
