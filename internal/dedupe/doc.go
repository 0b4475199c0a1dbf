// Package dedupe drops frames an agent delivers more than once within a
// short window.
package dedupe
