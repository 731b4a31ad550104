package auth

import "errors"

var errAuthRequired = errors.New("authorization required")
