// Package task runs automation tasks end to end. The Executor drives one
// approved task through account selection, credential decryption and the
// paced post-by-post, comment-by-comment loop against the automation
// client; the lane handlers adapt it and the housekeeping jobs to the queue.
package task
