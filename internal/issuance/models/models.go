// Package models holds the issuance pipeline's data types: the immutable
// request, the envelope returned by the mint service, pipeline states and the
// terminal outcome.
package models

import (
	"strings"

	id "certmint/pkg/domain"
	dErrors "certmint/pkg/domain-errors"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
)

// CollectionID is the durable handle the mint service assigns to a confirmed
// collection.
type CollectionID string

func (c CollectionID) String() string { return string(c) }

// SubmissionPayload is a signed transaction in the submission encoding.
type SubmissionPayload string

// Image is the uploaded artwork for the collection.
type Image struct {
	Data      []byte
	MediaType string
}

// IssuanceRequest is the immutable input of one issuance attempt. Build it
// with NewIssuanceRequest; fields are read through accessors so a request
// cannot change while a pipeline holds it.
type IssuanceRequest struct {
	attemptID     id.AttemptID
	courseID      id.CourseID
	image         Image
	title         string
	description   string
	ownerIdentity string
}

// NewIssuanceRequest validates the input and assigns a fresh attempt ID.
// The image bytes are copied.
func NewIssuanceRequest(courseID id.CourseID, image Image, title, description, ownerIdentity string) (IssuanceRequest, error) {
	title = strings.TrimSpace(title)
	ownerIdentity = strings.TrimSpace(ownerIdentity)
	mediaType := strings.TrimSpace(image.MediaType)

	switch {
	case title == "":
		return IssuanceRequest{}, dErrors.New(dErrors.CodeValidation, "title is required")
	case len(title) > MaxTitleLength:
		return IssuanceRequest{}, dErrors.New(dErrors.CodeValidation, "title is too long")
	case len(description) > MaxDescriptionLength:
		return IssuanceRequest{}, dErrors.New(dErrors.CodeValidation, "description is too long")
	case ownerIdentity == "":
		return IssuanceRequest{}, dErrors.New(dErrors.CodeValidation, "owner identity is required")
	case len(image.Data) == 0:
		return IssuanceRequest{}, dErrors.New(dErrors.CodeValidation, "image is required")
	case mediaType == "":
		return IssuanceRequest{}, dErrors.New(dErrors.CodeValidation, "image media type is required")
	}

	data := make([]byte, len(image.Data))
	copy(data, image.Data)

	return IssuanceRequest{
		attemptID:     id.NewAttemptID(),
		courseID:      courseID,
		image:         Image{Data: data, MediaType: mediaType},
		title:         title,
		description:   description,
		ownerIdentity: ownerIdentity,
	}, nil
}

func (r IssuanceRequest) AttemptID() id.AttemptID { return r.attemptID }
func (r IssuanceRequest) CourseID() id.CourseID   { return r.courseID }
func (r IssuanceRequest) Title() string           { return r.title }
func (r IssuanceRequest) Description() string     { return r.description }
func (r IssuanceRequest) OwnerIdentity() string   { return r.ownerIdentity }

// Image returns a copy of the uploaded image.
func (r IssuanceRequest) Image() Image {
	data := make([]byte, len(r.image.Data))
	copy(data, r.image.Data)
	return Image{Data: data, MediaType: r.image.MediaType}
}

// IsZero reports whether the request was built without NewIssuanceRequest.
func (r IssuanceRequest) IsZero() bool {
	return r.attemptID.IsNil()
}

// Envelope is the unsigned create-collection transaction returned by the mint
// service, in its wire encoding, with the identifier the collection will have
// once confirmed.
type Envelope struct {
	Transaction                   string
	CollectionIdentifierCandidate CollectionID
}
