package distributor

import (
	"encoding/xml"
	"fmt"
	"time"
)

// ReleaseDocument is the XML payload sent to the ingestion endpoint. Field
// order matters to the distributor's parser, do not reorder.
type ReleaseDocument struct {
	XMLName xml.Name `xml:"release"`

	Title          string `xml:"title"`
	Artists        string `xml:"artists"`
	FeaturedArtist string `xml:"featuredArtist,omitempty"`

	ReleaseDate        string `xml:"releaseDate"`
	PreviouslyReleased bool   `xml:"previouslyReleased"`
	ExplicitLyrics     bool   `xml:"explicitLyrics"`

	Language       string `xml:"language"`
	PrimaryGenre   string `xml:"primaryGenre"`
	SecondaryGenre string `xml:"secondaryGenre,omitempty"`

	Code     string `xml:"code"`
	PLine    string `xml:"pLine,omitempty"`
	CLine    string `xml:"cLine,omitempty"`
	Duration string `xml:"duration"`

	Label LabelRef `xml:"label"`

	Assets []Asset `xml:"assets>asset"`
}

type LabelRef struct {
	Id   string `xml:"id,attr"`
	Name string `xml:",chardata"`
}

// Asset references an object already uploaded to storage. ContentType and
// Checksum come from the storage HEAD metadata at submission time.
type Asset struct {
	Role        string `xml:"role,attr"`
	Key         string `xml:"key"`
	ContentType string `xml:"contentType"`
	Checksum    string `xml:"checksum"`
}

const releaseDateFormat = "2006-01-02"

func (d *ReleaseDocument) SetReleaseDate(t time.Time) {
	d.ReleaseDate = t.Format(releaseDateFormat)
}

func (d *ReleaseDocument) Encode() ([]byte, error) {
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error encoding release document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
