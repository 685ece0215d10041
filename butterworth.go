package rfbiom

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

// biquad is one second-order section, normalized so that a0 = 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// gain is the section response at DC.
func (s biquad) gain() float64 {
	return (s.b0 + s.b1 + s.b2) / (1 + s.a1 + s.a2)
}

// BandpassFilter is a digital Butterworth bandpass designed once and applied zero-phase.
// Its coefficients are immutable, so Apply is safe for concurrent use.
type BandpassFilter struct {
	order      int
	sampleRate float64
	low, high  float64

	sections []biquad
	zi       [][2]float64 // steady-state initial conditions for a unit step
	padlen   int

	b, a []float64
}

// NewButterworthBandpass designs an order-N Butterworth bandpass between low and high Hz.
// The result has 2N poles, realized as N cascaded biquads.
// Invalid parameters are programming errors and panic.
func NewButterworthBandpass(order int, sampleRate, low, high float64) *BandpassFilter {
	if order <= 0 {
		panic(fmt.Sprintf("butterworth: order must be positive: %d", order))
	}
	if low <= 0 || high <= low || high >= sampleRate/2 {
		panic(fmt.Sprintf("butterworth: invalid passband %.4f-%.4f Hz at %.2f Hz", low, high, sampleRate))
	}

	// 1. Prewarp the band edges so the bilinear transform lands them exactly.
	k := 2.0 * sampleRate
	w1 := k * math.Tan(math.Pi*low/sampleRate)
	w2 := k * math.Tan(math.Pi*high/sampleRate)
	bw := w2 - w1
	w0sq := complex(w1*w2, 0)

	// 2. Analog lowpass prototype poles, shifted to a bandpass and mapped to z.
	kc := complex(k, 0)
	gain := complex(math.Pow(bw*k, float64(order)), 0)
	poles := make([]complex128, 0, 2*order)
	for m := -order + 1; m < order; m += 2 {
		p := -cmplx.Exp(complex(0, math.Pi*float64(m)/float64(2*order)))
		pl := p * complex(bw/2, 0)
		d := cmplx.Sqrt(pl*pl - w0sq)
		for _, pa := range [2]complex128{pl + d, pl - d} {
			poles = append(poles, (kc+pa)/(kc-pa))
			gain /= kc - pa
		}
	}

	// 3. One section per conjugate pole pair. Each section carries one zero at z=1
	// (from s=0) and one at z=-1 (from the bilinear degree fill).
	upper := make([]complex128, 0, order)
	for _, p := range poles {
		if imag(p) > 0 {
			upper = append(upper, p)
		}
	}
	if len(upper) != order {
		panic(fmt.Sprintf("butterworth: expected %d conjugate pole pairs, got %d", order, len(upper)))
	}
	// Low-Q sections first.
	sort.Slice(upper, func(i, j int) bool { return cmplx.Abs(upper[i]) < cmplx.Abs(upper[j]) })

	f := &BandpassFilter{
		order:      order,
		sampleRate: sampleRate,
		low:        low,
		high:       high,
		sections:   make([]biquad, order),
		zi:         make([][2]float64, order),
		padlen:     3 * (2*order + 1),
	}
	for i, p := range upper {
		f.sections[i] = biquad{
			b0: 1, b1: 0, b2: -1,
			a1: -2 * real(p),
			a2: real(p)*real(p) + imag(p)*imag(p),
		}
	}
	g := real(gain)
	f.sections[0].b0 *= g
	f.sections[0].b2 *= g

	// Initial conditions matching a step input of height 1 at the cascade input.
	scale := 1.0
	for i, s := range f.sections {
		dc := s.gain()
		z2 := s.b2 - s.a2*dc
		z1 := s.b1 - s.a1*dc + z2
		f.zi[i] = [2]float64{z1 * scale, z2 * scale}
		scale *= dc
	}

	f.b, f.a = []float64{1}, []float64{1}
	for _, s := range f.sections {
		f.b = polymul(f.b, []float64{s.b0, s.b1, s.b2})
		f.a = polymul(f.a, []float64{1, s.a1, s.a2})
	}

	return f
}

// Coefficients returns copies of the transfer function numerator and denominator.
func (f *BandpassFilter) Coefficients() (b, a []float64) {
	return append([]float64(nil), f.b...), append([]float64(nil), f.a...)
}

// Response returns the magnitude of the frequency response at freq Hz.
func (f *BandpassFilter) Response(freq float64) float64 {
	w := 2 * math.Pi * freq / f.sampleRate
	z1 := cmplx.Exp(complex(0, -w))
	z2 := z1 * z1
	h := complex(1, 0)
	for _, s := range f.sections {
		num := complex(s.b0, 0) + complex(s.b1, 0)*z1 + complex(s.b2, 0)*z2
		den := 1 + complex(s.a1, 0)*z1 + complex(s.a2, 0)*z2
		h *= num / den
	}
	return cmplx.Abs(h)
}

// Apply filters series forward and then backward, cancelling the phase shift.
// The ends are padded with an odd extension and the sections start in steady
// state, which keeps edge transients out of the trailing energy window.
func (f *BandpassFilter) Apply(series []float64) []float64 {
	n := len(series)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	padlen := min(f.padlen, n-1)
	ext := make([]float64, n+2*padlen)
	for i := 0; i < padlen; i++ {
		ext[i] = 2*series[0] - series[padlen-i]
		ext[n+padlen+i] = 2*series[n-1] - series[n-2-i]
	}
	copy(ext[padlen:], series)

	f.run(ext)
	reverse(ext)
	f.run(ext)
	reverse(ext)

	copy(out, ext[padlen:padlen+n])
	return out
}

// run filters x in place, starting from the steady state for x[0].
func (f *BandpassFilter) run(x []float64) {
	state := make([][2]float64, len(f.sections))
	for i, zi := range f.zi {
		state[i] = [2]float64{zi[0] * x[0], zi[1] * x[0]}
	}
	for n, in := range x {
		v := in
		for i := range f.sections {
			s := &f.sections[i]
			z := &state[i]
			out := s.b0*v + z[0]
			z[0] = s.b1*v - s.a1*out + z[1]
			z[1] = s.b2*v - s.a2*out
			v = out
		}
		x[n] = v
	}
}

func polymul(p, q []float64) []float64 {
	out := make([]float64, len(p)+len(q)-1)
	for i, pv := range p {
		for j, qv := range q {
			out[i+j] += pv * qv
		}
	}
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
