package models

// UserSummary is the sidebar view of a user the caller may message.
type UserSummary struct {
	ID         int64  `db:"id" json:"id"`
	FullName   string `db:"full_name" json:"full_name"`
	Email      string `db:"email" json:"email"`
	ProfilePic string `db:"profile_pic" json:"profile_pic"`
}
