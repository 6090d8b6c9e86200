// Package idcookie implements the run correlation protocol: small client-held
// tokens that tell the server which in-flight run a request belongs to.
//
// A browser holds at most Config.MaxTokens tokens, one per slot, named
// <BaseName>_<slot>. Each token is an ASCII list of key=value pairs joined
// by '&':
//
//	workerId=7&workerType=GeneralSingle&batchId=3&groupResultId=null&studyId=2&studyResultId=41&componentId=5&componentResultId=88&componentPosition=1&creationTime=1700000000000
//
// Encode and Decode are pure. A Jar holds the tokens decoded from one
// request and records what the response must set or expire. A Writer places
// tokens into slots and evicts the oldest token when the jar is full, handing
// the evicted run to an abandon hook first.
package idcookie
