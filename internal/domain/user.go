package domain

import "time"

// User is the slice of the user aggregate this service reads and writes.
type User struct {
	ID        int64
	Name      string
	Phone     *string
	Email     *string
	Tokens    []DeviceToken
	CreatedAt time.Time
}
