package schema

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte `gorm:"not null"`

	IsAdmin bool `gorm:"not null;default:false"`

	// Set while the account is in the invited state, cleared when the
	// password is set or the invite expires. Only the hash is stored.
	SignupTokenHash   *string `gorm:"unique;size:64"`
	SignupTokenExpiry *time.Time

	Releases []Release
}

func (u *User) InviteOutstanding() bool {
	return u.SignupTokenHash != nil
}

// Label ids are assigned by the distributor and treated as externally
// authoritative, they are never generated locally.
type Label struct {
	Id   string `gorm:"primaryKey;size:100"`
	Name string `gorm:"size:200;not null"`
}

type Release struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Title          string `gorm:"size:200;not null"`
	Artists        string `gorm:"size:500;not null"`
	FeaturedArtist string `gorm:"size:200"`

	ReleaseDate        time.Time `gorm:"not null"`
	PreviouslyReleased bool      `gorm:"not null;default:false"`
	ExplicitLyrics     bool      `gorm:"not null;default:false"`

	Language       string `gorm:"size:50;not null"`
	PrimaryGenre   string `gorm:"size:100;not null"`
	SecondaryGenre string `gorm:"size:100"`

	// ISRC or UPC depending on the release type.
	Code     string `gorm:"size:20;not null"`
	PLine    string `gorm:"size:200"`
	CLine    string `gorm:"size:200"`
	Duration string `gorm:"size:20;not null"`

	MasterKey  string `gorm:"size:500;not null"`
	ArtworkKey string `gorm:"size:500;not null"`

	LabelId string `gorm:"size:100;not null"`
	Label   *Label

	UserId uuid.UUID `gorm:"type:uuid;not null"`
	User   *User

	CreatedAt time.Time
}

// ApiToken is one access/refresh credential pair for the distributor API.
// Rows are append only: the refresher always inserts a new row and the
// newest row by creation time is the current credential. Older rows are
// retained as history and are only ever touched to flip the Valid flag.
type ApiToken struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	AccessToken  string `gorm:"size:2000;not null"`
	RefreshToken string `gorm:"size:2000;not null"`

	AccessTokenExpiry  time.Time `gorm:"not null"`
	RefreshTokenExpiry time.Time `gorm:"not null"`

	Valid bool `gorm:"not null;default:true"`

	CreatedAt time.Time
}

func (t *ApiToken) AccessExpired(now time.Time) bool {
	return now.After(t.AccessTokenExpiry)
}

func (t *ApiToken) RefreshExpired(now time.Time) bool {
	return now.After(t.RefreshTokenExpiry)
}
