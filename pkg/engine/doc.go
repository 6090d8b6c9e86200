// Package engine carries out the public run operations: starting studies and
// components, handing out init data, storing result and session data, group
// membership, and ending runs.
//
// Every operation takes the *idcookie.Jar decoded from the request. The jar
// identifies the run and is updated with the tokens the response must carry.
// Operations emit events to subscribers of Events and call the registered
// hooks.
package engine
