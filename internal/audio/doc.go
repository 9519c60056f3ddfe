// Package audio buffers raw PCM bytes into fixed-size decode windows.
// A buffer belongs to exactly one session; chunks arrive in order over TCP
// so there is no sequence tracking, only window cutting.
package audio
