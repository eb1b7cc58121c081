package vpcm

import (
	"math"
)

// IEEE-754 single precision bit layout: 1 sign, 8 exponent, 23 mantissa bits, bias 127.
const (
	expShift    = 23
	expBias     = 127
	expMask     = uint32(0xff) << expShift
	signMask    = uint32(1) << 31
	implicitBit = uint32(1) << expShift
	mantMask    = implicitBit - 1
	floatOne    = uint32(0x3f800000) // bit pattern of 1.0
)

// ScaleByHalfSteps multiplies every sample by 2^(k/2) in place, for k <= 0.
// Only the exponent and mantissa fields are touched with integer arithmetic; an odd k multiplies the mantissa by
// 181/256, which is within 2e-4 of 1/sqrt(2). Zero and subnormal samples are left alone, and a sample whose
// exponent would underflow becomes a signed zero. A positive k is treated as 0.
func ScaleByHalfSteps(samples []float32, k int8) {
	if k >= 0 {
		return
	}

	kHalf := int32(-int(k) >> 1)
	kOdd := k&1 != 0

	for i, x := range samples {
		b := math.Float32bits(x)

		exp := int32((b &^ signMask) >> expShift)
		if exp == 0 {
			continue
		}

		expAdd := -kHalf
		if kOdd {
			mant := (b & mantMask) | implicitBit
			mant = (mant*181 + 1<<7) >> 8 // round(mant / sqrt(2))
			if mant&implicitBit == 0 {
				mant <<= 1
				expAdd--
			}

			b = (b &^ mantMask) | (mant & mantMask)
		}

		if expAdd != 0 {
			exp += expAdd
			if exp <= 0 {
				b &= signMask
			} else {
				b = (b &^ expMask) | uint32(exp)<<expShift
			}
		}

		samples[i] = math.Float32frombits(b)
	}
}

// ClipToUnitRange clamps every sample to [-1, 1] in place.
// The magnitude bits are compared as an unsigned integer against those of 1.0, so infinities and NaNs (whose
// patterns are larger) end up as 1.0 with their original sign.
func ClipToUnitRange(samples []float32) {
	for i, x := range samples {
		b := math.Float32bits(x)
		if b&^signMask > floatOne {
			samples[i] = math.Float32frombits((b & signMask) | floatOne)
		}
	}
}

// FloatToInt16 converts unit-range floats to rounded, saturated 16-bit samples.
// It converts min(len(dst), len(src)) samples and returns that count.
func FloatToInt16(dst []int16, src []float32) int {
	n := min(len(dst), len(src))

	for i := 0; i < n; i++ {
		b := math.Float32bits(src[i])

		exp := (b >> expShift) & 0xff
		if exp == 0 {
			dst[i] = 0

			continue
		}

		mant := implicitBit
		if exp < expBias {
			mant = ((b & mantMask) | implicitBit) >> (expBias - exp)
		}

		// 24 significant bits down to 16, rounding to nearest on the last shift.
		mant >>= 7
		mant++
		mant >>= 1

		if b&signMask != 0 {
			dst[i] = int16(-int32(min(mant, 0x8000)))
		} else {
			dst[i] = int16(min(mant, 0x7fff))
		}
	}

	return n
}

// Int16ToFloat converts 16-bit samples to unit-range floats without loss.
// It converts min(len(dst), len(src)) samples and returns that count.
func Int16ToFloat(dst []float32, src []int16) int {
	n := min(len(dst), len(src))

	for i := 0; i < n; i++ {
		v := int32(src[i])

		var sign uint32
		if v < 0 {
			sign = signMask
			v = -v
		}

		u := uint32(v)
		if u != 0 {
			exp := uint32(expBias)
			u <<= 8
			for u&implicitBit == 0 {
				u <<= 1
				exp--
			}

			u &^= implicitBit
			u |= exp<<expShift | sign
		}

		dst[i] = math.Float32frombits(u)
	}

	return n
}
