package assistant

import (
	"sync"

	"github.com/google/uuid"
)

// UserInfo is a point-in-time snapshot of what the user told us about
// themselves. The ID is minted per snapshot, not per user.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// UserData holds what one session knows about its user.
type UserData struct {
	mu   sync.Mutex
	name string
	age  int
}

func NewUserData() *UserData {
	return &UserData{}
}

func (d *UserData) SetUserInfo(name string, age int) UserInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	d.age = age
	return UserInfo{ID: uuid.NewString(), Name: name, Age: age}
}

// GetUserInfo reports what the user introduced earlier. The snapshot is
// only valid once a name is known; age alone is not enough.
func (d *UserData) GetUserInfo() (UserInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.name == "" {
		return UserInfo{}, false
	}
	return UserInfo{ID: uuid.NewString(), Name: d.name, Age: d.age}, true
}
