package notify

import "errors"

var errEmptyTarget = errors.New("notify: empty target")
