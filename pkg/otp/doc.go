// Package otp implements the HOTP (RFC 4226) and TOTP (RFC 6238) cores used by
// the token verifiers.
//
// Secrets are raw bytes; the package encodes them for github.com/pquerna/otp,
// which performs the HMAC and dynamic truncation. Verification scans are done
// here so callers control the window, the direction of the search and the
// lower bound that prevents replays.
//
// # HOTP
//
//	counter, err := otp.VerifyHOTP(secret, tok.Counter, "755224",
//	    otp.Params{Digits: 6, Algorithm: otp.AlgorithmSHA1}, 10)
//	if err == nil {
//	    tok.Counter = counter + 1
//	}
//
// # TOTP
//
// Time counters round half up: TimeToCounter(unix, step) == int(unix/step + 0.5).
// VerifyTOTP reports the step delta of the match so the caller can persist a
// corrected time shift after a successful verification:
//
//	m, err := otp.VerifyTOTP(secret, time.Now(), code,
//	    otp.TOTPParams{Params: p, Step: 30}, tok.TimeShift, 1, tok.Counter)
//	if err == nil {
//	    tok.TimeShift += m.ShiftSeconds(30)
//	    tok.Counter = m.Counter + 1
//	}
//
// # Errors
//
// ErrInvalidConfig is returned for digits other than 6 or 8, unknown hash
// algorithms and non-positive time steps. ErrNoMatch means the code was
// evaluated and did not match.
package otp
