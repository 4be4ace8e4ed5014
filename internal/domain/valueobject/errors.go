package valueobject

import "errors"

var errLeaseRenewalTooSlow = errors.New("valueobject: renewIntervalMs must be less than leaseMs")
