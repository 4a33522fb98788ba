package server

import (
	"errors"
)

const maxListPageSize = 100

var errInvalidPageSize = errors.New("invalid_page_size")

// normalizePageSize rejects negative sizes and caps the rest; zero means the service default.
func normalizePageSize(value int) (int32, error) {
	if value < 0 {
		return 0, errInvalidPageSize
	}
	if value > maxListPageSize {
		return maxListPageSize, nil
	}
	return int32(value), nil
}
