package cache

import "fmt"

// 键语义：
// - roomKey(roomID): 房间在线会话（ZSet<clientId, expireAtUnix>，score=expireAt）
// 每个房间只有这一个键，集群模式下所有命令都落在同一个 slot

const keyRoomFmt = "presence:room:{roomID:%s}"

func roomKey(roomID string) string { return fmt.Sprintf(keyRoomFmt, roomID) }
