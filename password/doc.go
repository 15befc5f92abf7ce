// Package password implements Argon2id password hashing and verification.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes made with weaker parameters than the
// current config. [Argon2.VerifyDummy] performs one full derivation against a
// throwaway hash so that "no such principal" costs the same as "wrong
// password".
//
// # What this package must NOT do
//
//   - Store or retrieve passwords; callers supply plaintext and receive hashes.
//   - Import any other tokenGuard package.
//   - Log plaintext passwords.
package password
