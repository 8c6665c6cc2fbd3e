// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake agents for testing and development.
// Provides predictable, controllable behavior behind api.Agent.
package fake
