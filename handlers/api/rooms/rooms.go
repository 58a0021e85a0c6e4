package rooms

import (
	"collabdocs-server/core"
	"net/http"
	"sort"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// ActiveRooms reports the live session count of every open room.
type ActiveRooms interface {
	Rooms() map[string]int
}

type RoomInfo struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive *int64 `json:"lastActive,omitempty"`
}

// HandleList merges live presence with recorded room activity. registry may
// be nil, in which case only live rooms are listed.
func HandleList(active ActiveRooms, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*RoomInfo)
		for id, count := range active.Rooms() {
			roomMap[id] = &RoomInfo{ID: id, Users: count}
		}

		if registry != nil {
			if storedRooms, err := registry.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &RoomInfo{ID: room.ID}
						roomMap[room.ID] = entry
					}
					if room.LastActive > 0 {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]RoomInfo, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}
		sortRooms(roomList)

		render.JSON(w, r, roomList)
	}
}

// sortRooms orders by users desc, then last activity desc, then id.
func sortRooms(rooms []RoomInfo) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Users != rooms[j].Users {
			return rooms[i].Users > rooms[j].Users
		}
		li, lj := lastActive(rooms[i]), lastActive(rooms[j])
		if li != lj {
			return li > lj
		}
		return rooms[i].ID < rooms[j].ID
	})
}

func lastActive(room RoomInfo) int64 {
	if room.LastActive == nil {
		return 0
	}
	return *room.LastActive
}
