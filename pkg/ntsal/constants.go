package ntsal

// Protocol and discipline constants, following the NTPv4 reference values.
const (
	VERSION byte = 4 // NTP version number

	PHI      = 15e-6 // frequency tolerance (15 ppm)
	NSTAGE   = 8     // clock filter stages
	MAXDISP  = 16.0  // maximum dispersion (s)
	MINDISP  = 0.005 // minimum dispersion increment (s)
	MAXDIST  = 1.0   // distance threshold (s)
	MAXSTRAT = 16    // maximum stratum number
	MAXAGE   = 86400 // filtered sample staleness bound (one day, s)

	SGATE = 3.0 // popcorn spike gate

	NMIN  = 3 // minimum cluster survivors
	NSANE = 1 // default minimum intersection survivors

	STEPT  = 0.128 // default step threshold (s)
	WATCH  = 600   // stepout / estimate silence threshold (s)
	PANICT = 1000  // panic threshold (s)

	PLL     = 16     // PLL loop gain
	FLL     = 0.25   // FLL loop gain
	AVG     = 4      // parameter averaging constant
	ALLAN   = 2048   // compromise Allan intercept (s)
	LIMIT   = 30     // poll-adjust threshold
	MAXFREQ = 500e-6 // frequency clamp (500 ppm)
	PGATE   = 4.0    // poll-adjust gate

	UNREACH = 8 // consecutive missed polls before backing off

	MINPOLL int8 = 4  // minimum poll exponent (16 s)
	MAXPOLL int8 = 17 // maximum poll exponent (36 h)

	MTU = 1300
)

// Consecutive in-bound rounds before the discipline declares itself
// synchronized, and the offset bound those rounds must stay within.
const (
	stableWindow = 4
	stableBound  = 0.010
)

// holdOffsetMax releases the training hold once the offset settles
// under it.
const holdOffsetMax = 5e-4

