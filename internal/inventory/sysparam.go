package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// ErrSysParamInvalid indicates a sys-param document failed validation.
var ErrSysParamInvalid = errors.New("invalid sys-param document")

// dishIDPattern constrains external receptor identifiers.
var dishIDPattern = regexp.MustCompile(`^(SKA|MKT)[0-9]{3}$`)

// DishParameters holds the per-dish values delivered by the sys-param
// document: the internal VCC resource ID and the k frequency-offset index.
type DishParameters struct {
	VCC int `json:"vcc" validate:"required,min=1,max=197"`
	K   int `json:"k" validate:"required,min=1,max=2222"`
}

// SysParam is the externally supplied dish-to-resource mapping. It must be
// loaded before any resource command is accepted.
type SysParam struct {
	Interface      string                    `json:"interface" validate:"required"`
	DishParameters map[string]DishParameters `json:"dish_parameters" validate:"required,min=1,dive"`
}

var sysParamValidate = validator.New(validator.WithRequiredStructEnabled())

// ParseSysParam decodes and validates a sys-param document.
func ParseSysParam(raw []byte) (*SysParam, error) {
	var sp SysParam
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSysParamInvalid, err)
	}
	if err := sysParamValidate.Struct(&sp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSysParamInvalid, err)
	}

	seenVCC := make(map[int]string, len(sp.DishParameters))
	for dish, params := range sp.DishParameters {
		if !dishIDPattern.MatchString(dish) {
			return nil, fmt.Errorf("%w: dish ID %q does not match %s", ErrSysParamInvalid, dish, dishIDPattern)
		}
		if other, dup := seenVCC[params.VCC]; dup {
			return nil, fmt.Errorf("%w: dishes %q and %q both map to VCC %d", ErrSysParamInvalid, other, dish, params.VCC)
		}
		seenVCC[params.VCC] = dish
	}
	return &sp, nil
}
