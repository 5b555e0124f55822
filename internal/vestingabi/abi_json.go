package vestingabi

// VeilVestABIJSON is the subset of the VeilVest contract ABI used off-chain.
const VeilVestABIJSON = `[
  {
    "inputs": [],
    "name": "getGlobalStats",
    "outputs": [
      {"internalType": "uint256", "name": "totalVestings", "type": "uint256"},
      {"internalType": "uint256", "name": "totalLocked", "type": "uint256"},
      {"internalType": "uint256", "name": "totalClaimed", "type": "uint256"},
      {"internalType": "uint256", "name": "totalBeneficiaries", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "user", "type": "address"}],
    "name": "getUserVestings",
    "outputs": [{"internalType": "uint256[]", "name": "", "type": "uint256[]"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "vestingId", "type": "uint256"}],
    "name": "getVestingInfo",
    "outputs": [
      {"internalType": "address", "name": "beneficiary", "type": "address"},
      {"internalType": "string", "name": "name", "type": "string"},
      {"internalType": "string", "name": "description", "type": "string"},
      {"internalType": "uint256", "name": "totalAmount", "type": "uint256"},
      {"internalType": "uint256", "name": "claimedAmount", "type": "uint256"},
      {"internalType": "uint64", "name": "startTime", "type": "uint64"},
      {"internalType": "uint64", "name": "cliffDuration", "type": "uint64"},
      {"internalType": "uint64", "name": "vestingDuration", "type": "uint64"},
      {"internalType": "uint32", "name": "tranches", "type": "uint32"},
      {"internalType": "enum VeilVest.Status", "name": "status", "type": "uint8"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "user", "type": "address"}],
    "name": "getUserReputation",
    "outputs": [
      {"internalType": "uint256", "name": "score", "type": "uint256"},
      {"internalType": "uint256", "name": "completedClaims", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "name", "type": "string"},
      {"internalType": "string", "name": "description", "type": "string"},
      {"internalType": "uint256", "name": "totalAmount", "type": "uint256"},
      {"internalType": "uint256", "name": "vestingDuration", "type": "uint256"},
      {"internalType": "uint256", "name": "cliffDuration", "type": "uint256"}
    ],
    "name": "createVesting",
    "outputs": [{"internalType": "uint256", "name": "vestingId", "type": "uint256"}],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "vestingId", "type": "uint256"},
      {"internalType": "bytes", "name": "encryptedAmount", "type": "bytes"},
      {"internalType": "bytes", "name": "inputProof", "type": "bytes"}
    ],
    "name": "claimTokens",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "vestingId", "type": "uint256"}],
    "name": "pauseVesting",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "vestingId", "type": "uint256"}],
    "name": "resumeVesting",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "vestingId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "beneficiary", "type": "address"}
    ],
    "name": "VestingCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "vestingId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "beneficiary", "type": "address"},
      {"indexed": false, "internalType": "bytes32", "name": "commitment", "type": "bytes32"}
    ],
    "name": "TokensClaimed",
    "type": "event"
  },
  {"inputs": [], "name": "Unauthorized", "type": "error"},
  {"inputs": [{"internalType": "uint256", "name": "vestingId", "type": "uint256"}], "name": "VestingNotFound", "type": "error"},
  {"inputs": [{"internalType": "uint256", "name": "vestingId", "type": "uint256"}], "name": "VestingNotActive", "type": "error"},
  {"inputs": [], "name": "InvalidProof", "type": "error"},
  {"inputs": [], "name": "StaleProof", "type": "error"}
]`
