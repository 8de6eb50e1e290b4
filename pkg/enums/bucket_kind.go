package enums

import "fmt"

// BucketKind names a capped waterfall bucket. Anything left after the last
// capped bucket is profit and has no kind of its own.
type BucketKind string

const (
	BucketUpgrade BucketKind = "upgrade"
	BucketRebirth BucketKind = "rebirth"
	BucketSystem  BucketKind = "system"
	BucketUpline  BucketKind = "upline"
)

var validBucketKinds = []BucketKind{
	BucketUpgrade,
	BucketRebirth,
	BucketSystem,
	BucketUpline,
}

func (k BucketKind) IsValid() bool {
	for _, candidate := range validBucketKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func ParseBucketKind(value string) (BucketKind, error) {
	for _, candidate := range validBucketKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid bucket kind %q", value)
}
