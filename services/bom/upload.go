package bom

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tradeloft/marketplace/internal/config"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
)

const (
	maxProjectTypeChars = 100
	maxDescriptionChars = 2000
	maxDimensionsChars  = 200
	// multipartSlack covers form fields and multipart framing on top of the
	// image budget.
	multipartSlack = 1 << 20
)

var zipCodeRegex = regexp.MustCompile(`^\d{5}$`)

// sniffedTypes are the formats recognised from file content.
var sniffedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// declaredOnlyTypes cannot be sniffed by the standard detector and are
// accepted on the declared Content-Type.
var declaredOnlyTypes = map[string]bool{
	"image/heic": true,
	"image/heif": true,
}

// ParseUpload reads and validates a multipart generation request.
func ParseUpload(w http.ResponseWriter, r *http.Request, policy config.BOMPolicy) (Input, error) {
	mediaType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(mediaType), "multipart/form-data") {
		return Input{}, svcerrors.UnsupportedMedia("content_type", "request must be multipart/form-data")
	}

	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxTotalBytes+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Input{}, svcerrors.PayloadTooLarge(fmt.Sprintf("upload exceeds %d bytes", policy.MaxTotalBytes))
		}
		return Input{}, svcerrors.BadRequest("invalid multipart form")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in := Input{
		ProjectType: strings.TrimSpace(r.FormValue("project_type")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Dimensions:  strings.TrimSpace(r.FormValue("dimensions")),
		BudgetTier:  BudgetTier(strings.ToLower(strings.TrimSpace(r.FormValue("budget_tier")))),
		ZipCode:     strings.TrimSpace(r.FormValue("zip_code")),
	}
	if err := validateFields(&in); err != nil {
		return Input{}, err
	}

	images, err := readImages(r.MultipartForm.File["images"], policy)
	if err != nil {
		return Input{}, err
	}
	in.Images = images
	return in, nil
}

func validateFields(in *Input) error {
	switch {
	case in.ProjectType == "":
		return svcerrors.Validation("project_type", "project_type is required")
	case utf8.RuneCountInString(in.ProjectType) > maxProjectTypeChars:
		return svcerrors.Validation("project_type", fmt.Sprintf("project_type must be at most %d characters", maxProjectTypeChars))
	case utf8.RuneCountInString(in.Description) > maxDescriptionChars:
		return svcerrors.Validation("description", fmt.Sprintf("description must be at most %d characters", maxDescriptionChars))
	case utf8.RuneCountInString(in.Dimensions) > maxDimensionsChars:
		return svcerrors.Validation("dimensions", fmt.Sprintf("dimensions must be at most %d characters", maxDimensionsChars))
	case in.ZipCode != "" && !zipCodeRegex.MatchString(in.ZipCode):
		return svcerrors.Validation("zip_code", "zip_code must be 5 digits")
	}

	if in.BudgetTier == "" {
		in.BudgetTier = TierStandard
	}
	if !in.BudgetTier.Valid() {
		return svcerrors.Validation("budget_tier", "budget_tier must be economy, standard or premium")
	}
	return nil
}

func readImages(files []*multipart.FileHeader, policy config.BOMPolicy) ([]Image, error) {
	if len(files) == 0 {
		return nil, svcerrors.Validation("images", "at least one image is required")
	}
	if len(files) > policy.MaxImages {
		return nil, svcerrors.Validation("images", fmt.Sprintf("at most %d images are allowed", policy.MaxImages))
	}

	var total int64
	images := make([]Image, 0, len(files))
	for _, fh := range files {
		if fh.Size > policy.MaxImageBytes {
			return nil, svcerrors.Validation("images", fmt.Sprintf("%s exceeds %d bytes", fh.Filename, policy.MaxImageBytes))
		}
		total += fh.Size
		if total > policy.MaxTotalBytes {
			return nil, svcerrors.PayloadTooLarge(fmt.Sprintf("upload exceeds %d bytes", policy.MaxTotalBytes))
		}

		data, err := readFile(fh, policy.MaxImageBytes)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, svcerrors.Validation("images", fh.Filename+" is empty")
		}

		contentType, ok := imageType(data, fh.Header.Get("Content-Type"))
		if !ok {
			return nil, svcerrors.Validation("images", fh.Filename+" is not a JPEG, PNG, WEBP, GIF or HEIC image")
		}
		images = append(images, Image{Filename: fh.Filename, ContentType: contentType, Data: data})
	}
	return images, nil
}

func readFile(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, svcerrors.BadRequest("cannot read " + fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, svcerrors.BadRequest("cannot read " + fh.Filename)
	}
	if int64(len(data)) > limit {
		return nil, svcerrors.Validation("images", fmt.Sprintf("%s exceeds %d bytes", fh.Filename, limit))
	}
	return data, nil
}

// imageType sniffs data and falls back to the declared type only for
// formats the detector does not know.
func imageType(data []byte, declared string) (string, bool) {
	sniffed := http.DetectContentType(data)
	if sniffedTypes[sniffed] {
		return sniffed, true
	}

	declared = strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	if sniffed == "application/octet-stream" && declaredOnlyTypes[declared] {
		return declared, true
	}
	return "", false
}
